package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	passedRun := []Step{
		{Stage: StageMerge, Name: "merge", Status: StatusPassed},
		{Stage: StageBuild, Name: "build", Status: StatusPassed},
		{Stage: StageRun, Name: "run", Status: StatusPassed},
	}

	tests := []struct {
		name        string
		overall     string
		steps       []Step
		baseRetcode int
		want        Result
	}{
		{
			name:    "overall success wins regardless of steps",
			overall: "SUCCESS",
			steps: []Step{
				{Stage: StageRun, Name: "run", Status: StatusFailed},
			},
			want: ResultSuccess,
		},
		{
			name:        "unstable with passing runs and clean baseline",
			overall:     "UNSTABLE",
			steps:       passedRun,
			baseRetcode: 0,
			want:        ResultSuccess,
		},
		{
			name:        "unstable with passing runs and failed baseline",
			overall:     "UNSTABLE",
			steps:       passedRun,
			baseRetcode: 1,
			want:        ResultBaselineFailure,
		},
		{
			name:    "fixed run steps still count as passing",
			overall: "UNSTABLE",
			steps: []Step{
				{Stage: StageRun, Name: "run", Status: StatusFixed},
			},
			baseRetcode: 2,
			want:        ResultBaselineFailure,
		},
		{
			name:        "unstable with no run steps is governed by baseline retcode",
			overall:     "UNSTABLE",
			steps:       nil,
			baseRetcode: 1,
			want:        ResultBaselineFailure,
		},
		{
			name:    "merge failure",
			overall: "FAILURE",
			steps: []Step{
				{Stage: StageMerge, Name: "merge", Status: StatusFailed},
				{Stage: StageBuild, Name: "build", Status: StatusSkipped},
			},
			want: ResultMergeFailure,
		},
		{
			name:    "build failure",
			overall: "FAILURE",
			steps: []Step{
				{Stage: StageMerge, Name: "merge", Status: StatusPassed},
				{Stage: StageBuild, Name: "build", Status: StatusRegression},
			},
			want: ResultBuildFailure,
		},
		{
			name:    "test failure on unstable build with regressed run",
			overall: "UNSTABLE",
			steps: []Step{
				{Stage: StageMerge, Name: "merge", Status: StatusPassed},
				{Stage: StageBuild, Name: "build", Status: StatusPassed},
				{Stage: StageRun, Name: "run", Status: StatusRegression},
			},
			want: ResultTestFailure,
		},
		{
			name:    "merge outranks later failures",
			overall: "FAILURE",
			steps: []Step{
				{Stage: StageRun, Name: "run", Status: StatusFailed},
				{Stage: StageBuild, Name: "build", Status: StatusFailed},
				{Stage: StageMerge, Name: "merge", Status: StatusFailed},
			},
			want: ResultMergeFailure,
		},
		{
			name:    "aborted build with no failed steps is unclassifiable",
			overall: "ABORTED",
			steps: []Step{
				{Stage: StageMerge, Name: "merge", Status: StatusPassed},
			},
			want: ResultError,
		},
		{
			name:    "failure with only skipped steps is unclassifiable",
			overall: "FAILURE",
			steps: []Step{
				{Stage: StageMerge, Name: "merge", Status: StatusSkipped},
				{Stage: StageBuild, Name: "build", Status: StatusSkipped},
			},
			want: ResultError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.overall, tt.steps, tt.baseRetcode))
		})
	}
}

func TestResultOrdering(t *testing.T) {
	ordered := []Result{
		ResultSuccess,
		ResultMergeFailure,
		ResultBuildFailure,
		ResultPublishFailure,
		ResultTestFailure,
		ResultBaselineFailure,
	}

	for i, lower := range ordered {
		for _, higher := range ordered[i:] {
			assert.True(t, higher.AtLeastAsSevere(lower),
				"%s should be at least as severe as %s", higher, lower)
		}

		if i > 0 {
			assert.False(t, ordered[i-1].AtLeastAsSevere(lower),
				"%s should not be at least as severe as %s", ordered[i-1], lower)
		}
	}

	assert.True(t, ResultSuccess.AtLeastAsSevere(ResultSuccess))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "success", ResultSuccess.String())
	assert.Equal(t, "baseline failure", ResultBaselineFailure.String())
	assert.Equal(t, "error", ResultError.String())
	assert.Equal(t, "unknown", Result(42).String())
}
