// Package result defines the ordered test result classification shared by
// the job runner, the store and the watcher.
package result

// Result is the classified outcome of a finished CI job. The numeric value
// doubles as severity: higher is worse, and baseline updates overwrite a
// previous result iff the new one compares >= to it.
type Result int

const (
	ResultSuccess Result = iota
	ResultMergeFailure
	ResultBuildFailure
	ResultPublishFailure
	ResultTestFailure
	ResultBaselineFailure
	// ResultError marks a job whose outcome could not be classified. It is
	// logged and forgotten, never persisted.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultMergeFailure:
		return "merge failure"
	case ResultBuildFailure:
		return "build failure"
	case ResultPublishFailure:
		return "publish failure"
	case ResultTestFailure:
		return "test failure"
	case ResultBaselineFailure:
		return "baseline failure"
	case ResultError:
		return "error"
	}

	return "unknown"
}

// AtLeastAsSevere reports whether r is at least as severe as other.
func (r Result) AtLeastAsSevere(other Result) bool {
	return r >= other
}

// Step statuses use the JUnit-style vocabulary of the CI system.
const (
	StatusPassed     = "PASSED"
	StatusFixed      = "FIXED"
	StatusFailed     = "FAILED"
	StatusRegression = "REGRESSION"
	StatusSkipped    = "SKIPPED"
)

// Stage identifies which part of the pipeline a step belongs to.
type Stage string

const (
	StageMerge Stage = "merge"
	StageBuild Stage = "build"
	StageRun   Stage = "run"
)

// Step is one named test case of a finished build.
type Step struct {
	Stage  Stage
	Name   string
	Status string
}

// failed reports whether the step ended in a state that counts against its
// stage.
func (s Step) failed() bool {
	return s.Status == StatusFailed || s.Status == StatusRegression
}

// Classify derives a Result from a build's overall status, its steps and the
// baseline retcode reported by the run steps.
//
// An overall SUCCESS wins outright. An UNSTABLE build whose run steps all
// passed (or were fixed) failed only against the baseline: the result is
// ResultBaselineFailure when the baseline retcode is non-zero, ResultSuccess
// otherwise. Any other outcome is attributed to the first stage, in
// merge/build/run order, that has a failed or regressed step. A build
// matching none of these is ResultError.
func Classify(overall string, steps []Step, baseRetcode int) Result {
	if overall == "SUCCESS" {
		return ResultSuccess
	}

	if overall == "UNSTABLE" && runStepsPassed(steps) {
		if baseRetcode != 0 {
			return ResultBaselineFailure
		}

		return ResultSuccess
	}

	for _, stage := range []Stage{StageMerge, StageBuild, StageRun} {
		for _, step := range steps {
			if step.Stage == stage && step.failed() {
				switch stage {
				case StageMerge:
					return ResultMergeFailure
				case StageBuild:
					return ResultBuildFailure
				case StageRun:
					return ResultTestFailure
				}
			}
		}
	}

	return ResultError
}

func runStepsPassed(steps []Step) bool {
	for _, step := range steps {
		if step.Stage != StageRun {
			continue
		}

		if step.Status != StatusPassed && step.Status != StatusFixed {
			return false
		}
	}

	return true
}
