// Package jenkins submits patch series builds to a Jenkins project and
// classifies their outcomes.
package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bndr/gojenkins"
	"github.com/sirupsen/logrus"

	"github.com/example/patchwatch/pkg/config"
	"github.com/example/patchwatch/pkg/result"
)

// Overall build verdicts reported by Jenkins.
const (
	statusSuccess  = "SUCCESS"
	statusUnstable = "UNSTABLE"
)

// BuildParams carries the parameters of one submitted build. Zero-valued
// fields are left out of the submission.
type BuildParams struct {
	// BaseRepo is the baseline git repo URL.
	BaseRepo string
	// Ref is the baseline git reference to test.
	Ref string
	// BaseConfig is the kernel configuration URL.
	BaseConfig string
	// MessageID of the message representing the series, if known.
	MessageID string
	// Subject of the message representing the series, if known.
	Subject string
	// Emails involved with the series, for notifications.
	Emails []string
	// PatchURLs point at the patches to apply, in apply order.
	PatchURLs []string
	// MakeOpts are extra arguments for the build's make invocation.
	MakeOpts string
}

// values renders the parameters the way the job expects them: e-mails
// comma-joined in sorted order, patch URLs space-joined in apply order.
func (p BuildParams) values() map[string]string {
	m := make(map[string]string)

	if p.BaseRepo != "" {
		m["baserepo"] = p.BaseRepo
	}

	if p.Ref != "" {
		m["ref"] = p.Ref
	}

	if p.BaseConfig != "" {
		m["baseconfig"] = p.BaseConfig
	}

	if p.MessageID != "" {
		m["message_id"] = p.MessageID
	}

	if p.Subject != "" {
		m["subject"] = p.Subject
	}

	if len(p.Emails) > 0 {
		emails := append([]string(nil), p.Emails...)
		sort.Strings(emails)
		m["emails"] = strings.Join(emails, ",")
	}

	if len(p.PatchURLs) > 0 {
		m["patchwork"] = strings.Join(p.PatchURLs, " ")
	}

	if p.MakeOpts != "" {
		m["makeopts"] = p.MakeOpts
	}

	return m
}

// Runner is the CI surface the watcher drives.
type Runner interface {
	// Submit starts a build and blocks until it leaves the queue,
	// returning its build number.
	Submit(ctx context.Context, params BuildParams) (int64, error)
	// IsComplete reports whether the build has finished.
	IsComplete(ctx context.Context, buildID int64) (bool, error)
	// Result waits for the build to finish and classifies its outcome.
	Result(ctx context.Context, buildID int64) (result.Result, error)
	// ResultURL returns the web view of the build.
	ResultURL(ctx context.Context, buildID int64) (string, error)
	// BaseCommit returns the baseline commit hash the build tested on.
	BaseCommit(ctx context.Context, buildID int64) (string, error)
	// BaseCommitDate returns the committer date of the baseline commit as
	// an epoch timestamp.
	BaseCommitDate(ctx context.Context, buildID int64) (int64, error)
	// TestedPatchURLs returns the patch URLs the build applied, in apply
	// order.
	TestedPatchURLs(ctx context.Context, buildID int64) ([]string, error)
}

// Project runs builds on one parameterized Jenkins job.
type Project struct {
	log    logrus.FieldLogger
	client *gojenkins.Jenkins
	name   string

	attempts int
	interval time.Duration
}

var _ Runner = (*Project)(nil)

// NewProject connects to Jenkins and binds to the configured job.
func NewProject(ctx context.Context, log logrus.FieldLogger, cfg *config.JenkinsConfig) (*Project, error) {
	if cfg.Job == "" {
		return nil, errors.New("no jenkins job name configured")
	}

	client := gojenkins.CreateJenkins(nil, cfg.URL, cfg.Username, cfg.Token)
	if _, err := client.Init(ctx); err != nil {
		return nil, fmt.Errorf("connecting to jenkins at %s: %w", cfg.URL, err)
	}

	return &Project{
		log:      log.WithFields(logrus.Fields{"component": "jenkins", "job": cfg.Job}),
		client:   client,
		name:     cfg.Job,
		attempts: cfg.RetryAttempts,
		interval: cfg.RetryInterval,
	}, nil
}

// Submit starts a build with the given parameters and waits for the queue
// item to turn into a numbered build.
func (p *Project) Submit(ctx context.Context, params BuildParams) (int64, error) {
	values := params.values()
	p.log.WithField("params", values).Debug("Submitting build")

	job, err := p.getJob(ctx)
	if err != nil {
		return 0, err
	}

	var queueID int64

	err = p.retry(ctx, "invoke job", func() error {
		var err error
		queueID, err = job.InvokeSimple(ctx, values)

		return err
	})
	if err != nil {
		return 0, err
	}

	var build *gojenkins.Build

	err = p.retry(ctx, "resolve queued build", func() error {
		var err error
		build, err = p.client.GetBuildFromQueueID(ctx, queueID)

		return err
	})
	if err != nil {
		return 0, err
	}

	p.log.WithFields(logrus.Fields{
		"build": build.GetBuildNumber(),
		"url":   build.GetUrl(),
	}).Info("Submitted build")

	return build.GetBuildNumber(), nil
}

func (p *Project) IsComplete(ctx context.Context, buildID int64) (bool, error) {
	build, err := p.getBuild(ctx, buildID)
	if err != nil {
		return false, err
	}

	return !build.IsRunning(ctx), nil
}

// Result waits for the build to finish and classifies its outcome from the
// overall verdict, the per-stage steps and the baseline retcode.
func (p *Project) Result(ctx context.Context, buildID int64) (result.Result, error) {
	build, err := p.waitComplete(ctx, buildID)
	if err != nil {
		return result.ResultError, err
	}

	overall := build.GetResult()
	p.log.WithFields(logrus.Fields{"build": buildID, "status": overall}).Info("Build finished")

	var cases []caseData

	if overall == statusUnstable {
		cases, err = p.cases(ctx, build)
		if err != nil {
			return result.ResultError, err
		}
	}

	res, err := classifyCases(overall, cases)
	if err != nil {
		return result.ResultError, fmt.Errorf("classifying build %d: %w", buildID, err)
	}

	if res == result.ResultError {
		p.log.WithFields(logrus.Fields{"build": buildID, "status": overall}).Warn("Reporting build status as error")
	}

	return res, nil
}

func (p *Project) ResultURL(ctx context.Context, buildID int64) (string, error) {
	build, err := p.getBuild(ctx, buildID)
	if err != nil {
		return "", err
	}

	return build.GetUrl(), nil
}

func (p *Project) BaseCommit(ctx context.Context, buildID int64) (string, error) {
	v, err := p.uniformMergeValue(ctx, buildID, "basehead")
	if err != nil {
		return "", err
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected basehead value %v", v)
	}

	return s, nil
}

func (p *Project) BaseCommitDate(ctx context.Context, buildID int64) (int64, error) {
	v, err := p.uniformMergeValue(ctx, buildID, "commitdate")
	if err != nil {
		return 0, err
	}

	return intValue(v)
}

func (p *Project) TestedPatchURLs(ctx context.Context, buildID int64) ([]string, error) {
	v, err := p.uniformMergeValue(ctx, buildID, "pw")
	if err != nil {
		return nil, err
	}

	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected pw value %v", v)
	}

	urls := make([]string, 0, len(list))

	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected pw entry %v", item)
		}

		urls = append(urls, s)
	}

	return urls, nil
}

// retry runs fn up to the configured attempt count, sleeping in between.
func (p *Project) retry(ctx context.Context, op string, fn func() error) error {
	var err error

	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		p.log.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
		}).Warn("Jenkins call failed")

		if attempt < p.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.interval):
			}
		}
	}

	return fmt.Errorf("%s after %d attempts: %w", op, p.attempts, err)
}

func (p *Project) getJob(ctx context.Context) (*gojenkins.Job, error) {
	var job *gojenkins.Job

	err := p.retry(ctx, "get job", func() error {
		var err error
		job, err = p.client.GetJob(ctx, p.name)

		return err
	})

	return job, err
}

func (p *Project) getBuild(ctx context.Context, buildID int64) (*gojenkins.Build, error) {
	job, err := p.getJob(ctx)
	if err != nil {
		return nil, err
	}

	var build *gojenkins.Build

	err = p.retry(ctx, "get build", func() error {
		var err error
		build, err = job.GetBuild(ctx, buildID)

		return err
	})

	return build, err
}

func (p *Project) waitComplete(ctx context.Context, buildID int64) (*gojenkins.Build, error) {
	build, err := p.getBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	for build.IsRunning(ctx) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.interval):
		}
	}

	return build, nil
}

// caseData is the part of a JUnit test case the classifier needs.
type caseData struct {
	name   string
	status string
	stdout string
}

// cases flattens the build's JUnit report.
func (p *Project) cases(ctx context.Context, build *gojenkins.Build) ([]caseData, error) {
	rs, err := build.GetResultSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching results for build %d: %w", build.GetBuildNumber(), err)
	}

	var out []caseData

	for _, suite := range rs.Suites {
		for _, c := range suite.Cases {
			stdout, _ := c.Stdout.(string)

			out = append(out, caseData{name: c.Name, status: c.Status, stdout: stdout})
		}
	}

	return out, nil
}

func (p *Project) uniformMergeValue(ctx context.Context, buildID int64, key string) (interface{}, error) {
	build, err := p.waitComplete(ctx, buildID)
	if err != nil {
		return nil, err
	}

	cases, err := p.cases(ctx, build)
	if err != nil {
		return nil, err
	}

	return uniformValue(cases, result.StageMerge, key)
}

// classifyCases turns a build verdict and its JUnit cases into a Result.
// The baseline retcode is only consulted when the run steps all passed, so
// the outputs of skipped steps are never parsed.
func classifyCases(overall string, cases []caseData) (result.Result, error) {
	var steps []result.Step

	for _, c := range cases {
		stage, ok := stageOf(c.name)
		if !ok {
			continue
		}

		steps = append(steps, result.Step{Stage: stage, Name: c.name, Status: c.status})
	}

	res := result.Classify(overall, steps, 0)

	if overall == statusUnstable && res == result.ResultSuccess {
		ret, err := maxBaseRetcode(cases)
		if err != nil {
			return result.ResultError, err
		}

		res = result.Classify(overall, steps, ret)
	}

	return res, nil
}

// stageOf maps a JUnit case name to its pipeline stage by suffix.
func stageOf(name string) (result.Stage, bool) {
	switch {
	case strings.HasSuffix(name, "merge"):
		return result.StageMerge, true
	case strings.HasSuffix(name, "build"):
		return result.StageBuild, true
	case strings.HasSuffix(name, "run"):
		return result.StageRun, true
	}

	return "", false
}

// parseStep decodes the JSON a pipeline step writes on stdout.
func parseStep(c caseData) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(c.stdout), &m); err != nil {
		return nil, fmt.Errorf("parsing %s step output: %w", c.name, err)
	}

	return m, nil
}

// uniformValue extracts a key that must agree across all steps of a stage.
func uniformValue(cases []caseData, stage result.Stage, key string) (interface{}, error) {
	var value interface{}

	found := false

	for _, c := range cases {
		s, ok := stageOf(c.name)
		if !ok || s != stage {
			continue
		}

		m, err := parseStep(c)
		if err != nil {
			return nil, err
		}

		v, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("step %s output missing %q", c.name, key)
		}

		if found && !reflect.DeepEqual(value, v) {
			return nil, fmt.Errorf("non-uniform value of %q: %v != %v", key, value, v)
		}

		value, found = v, true
	}

	if !found {
		return nil, fmt.Errorf("no %s steps in build results", stage)
	}

	return value, nil
}

// maxBaseRetcode returns the worst baseline retcode across the run steps,
// defaulting to zero where a step does not report one.
func maxBaseRetcode(cases []caseData) (int, error) {
	ret := 0

	for _, c := range cases {
		if s, ok := stageOf(c.name); !ok || s != result.StageRun {
			continue
		}

		m, err := parseStep(c)
		if err != nil {
			return 0, err
		}

		v, ok := m["baseretcode"]
		if !ok {
			continue
		}

		n, err := intValue(v)
		if err != nil {
			return 0, err
		}

		if int(n) > ret {
			ret = int(n)
		}
	}

	return ret, nil
}

func intValue(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q as integer: %w", n, err)
		}

		return parsed, nil
	}

	return 0, fmt.Errorf("unexpected numeric value %v", v)
}
