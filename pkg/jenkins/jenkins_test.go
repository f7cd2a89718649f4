package jenkins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/patchwatch/pkg/result"
)

func step(name, status, stdout string) caseData {
	return caseData{name: name, status: status, stdout: stdout}
}

func TestBuildParams_Values(t *testing.T) {
	params := BuildParams{
		BaseRepo:   "git://git.example.com/linux.git",
		Ref:        "master",
		BaseConfig: "https://config.example.com/config",
		MessageID:  "<series@example.com>",
		Subject:    "[PATCH 0/2] net: frobnicate",
		Emails:     []string{"z@example.com", "a@example.com"},
		PatchURLs:  []string{"https://pw/patch/1", "https://pw/patch/2"},
		MakeOpts:   "-j8",
	}

	values := params.values()

	assert.Equal(t, map[string]string{
		"baserepo":   "git://git.example.com/linux.git",
		"ref":        "master",
		"baseconfig": "https://config.example.com/config",
		"message_id": "<series@example.com>",
		"subject":    "[PATCH 0/2] net: frobnicate",
		"emails":     "a@example.com,z@example.com",
		"patchwork":  "https://pw/patch/1 https://pw/patch/2",
		"makeopts":   "-j8",
	}, values)

	assert.Empty(t, BuildParams{}.values())
}

func TestStageOf(t *testing.T) {
	tests := []struct {
		name  string
		stage result.Stage
		ok    bool
	}{
		{name: "skt.cmd_merge", stage: result.StageMerge, ok: true},
		{name: "skt.cmd_build", stage: result.StageBuild, ok: true},
		{name: "skt.cmd_run", stage: result.StageRun, ok: true},
		{name: "pipeline.merge", stage: result.StageMerge, ok: true},
		{name: "cleanup", ok: false},
	}

	for _, tt := range tests {
		stage, ok := stageOf(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.stage, stage, tt.name)
	}
}

func TestClassifyCases(t *testing.T) {
	tests := []struct {
		name    string
		overall string
		cases   []caseData
		want    result.Result
	}{
		{
			name:    "overall success wins",
			overall: "SUCCESS",
			want:    result.ResultSuccess,
		},
		{
			name:    "merge failure with skipped later stages",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusFailed, ""),
				step("skt.cmd_build", result.StatusSkipped, ""),
				step("skt.cmd_run", result.StatusSkipped, ""),
			},
			want: result.ResultMergeFailure,
		},
		{
			name:    "build regression",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusPassed, ""),
				step("skt.cmd_build", result.StatusRegression, ""),
				step("skt.cmd_run", result.StatusSkipped, ""),
			},
			want: result.ResultBuildFailure,
		},
		{
			name:    "test failure",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusPassed, ""),
				step("skt.cmd_build", result.StatusPassed, ""),
				step("skt.cmd_run", result.StatusFailed, ""),
			},
			want: result.ResultTestFailure,
		},
		{
			name:    "baseline failure",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusPassed, ""),
				step("skt.cmd_build", result.StatusPassed, ""),
				step("skt.cmd_run", result.StatusPassed, `{"baseretcode": 1}`),
			},
			want: result.ResultBaselineFailure,
		},
		{
			name:    "worst baseline retcode counts",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusPassed, ""),
				step("wait1.skt.cmd_run", result.StatusPassed, `{"baseretcode": 0}`),
				step("wait2.skt.cmd_run", result.StatusFixed, `{"baseretcode": 4}`),
			},
			want: result.ResultBaselineFailure,
		},
		{
			name:    "clean baseline is a pass",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusPassed, ""),
				step("skt.cmd_run", result.StatusPassed, `{"baseretcode": 0}`),
			},
			want: result.ResultSuccess,
		},
		{
			name:    "no run steps at all",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusPassed, ""),
				step("skt.cmd_build", result.StatusPassed, ""),
			},
			want: result.ResultSuccess,
		},
		{
			name:    "unstable with nothing failed",
			overall: "UNSTABLE",
			cases: []caseData{
				step("skt.cmd_merge", result.StatusSkipped, ""),
				step("skt.cmd_run", result.StatusSkipped, ""),
			},
			want: result.ResultError,
		},
		{
			name:    "hard failure",
			overall: "FAILURE",
			want:    result.ResultError,
		},
		{
			name:    "aborted",
			overall: "ABORTED",
			want:    result.ResultError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := classifyCases(tt.overall, tt.cases)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestClassifyCases_BadStepOutput(t *testing.T) {
	_, err := classifyCases("UNSTABLE", []caseData{
		step("skt.cmd_run", result.StatusPassed, "not json"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing skt.cmd_run step output")
}

func TestUniformValue(t *testing.T) {
	mergeOut := `{"basehead": "deadbeef", "commitdate": 1526571986, "pw": ["https://pw/patch/1"]}`

	cases := []caseData{
		step("host1.skt.cmd_merge", result.StatusPassed, mergeOut),
		step("host2.skt.cmd_merge", result.StatusPassed, mergeOut),
		step("skt.cmd_run", result.StatusPassed, `{"baseretcode": 0}`),
	}

	v, err := uniformValue(cases, result.StageMerge, "basehead")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", v)

	v, err = uniformValue(cases, result.StageMerge, "pw")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"https://pw/patch/1"}, v)

	_, err = uniformValue(cases, result.StageMerge, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing "nope"`)

	_, err = uniformValue(cases, result.StageBuild, "basehead")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no build steps")

	disagreeing := append(cases, step("host3.skt.cmd_merge", result.StatusPassed, `{"basehead": "cafef00d"}`))

	_, err = uniformValue(disagreeing, result.StageMerge, "basehead")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-uniform")
}

func TestMaxBaseRetcode(t *testing.T) {
	ret, err := maxBaseRetcode([]caseData{
		step("skt.cmd_merge", result.StatusPassed, "ignored"),
		step("a.skt.cmd_run", result.StatusPassed, `{"baseretcode": 2}`),
		step("b.skt.cmd_run", result.StatusPassed, `{"baseretcode": 7}`),
		step("c.skt.cmd_run", result.StatusPassed, `{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, ret)

	ret, err = maxBaseRetcode(nil)
	require.NoError(t, err)
	assert.Zero(t, ret)
}

func TestIntValue(t *testing.T) {
	n, err := intValue(float64(1526571986))
	require.NoError(t, err)
	assert.EqualValues(t, 1526571986, n)

	n, err = intValue(" 42\n")
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	_, err = intValue("not a number")
	require.Error(t, err)

	_, err = intValue(true)
	require.Error(t, err)
}
