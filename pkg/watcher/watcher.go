// Package watcher drives the test loop: it polls patch trackers for new
// series, submits CI builds for baselines and series on top of the latest
// stable baseline, and records the classified results.
package watcher

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/patchwatch/pkg/config"
	"github.com/example/patchwatch/pkg/jenkins"
	"github.com/example/patchwatch/pkg/patchwork"
	"github.com/example/patchwatch/pkg/result"
	"github.com/example/patchwatch/pkg/store"
)

// commitRE matches a full git commit hash.
var commitRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// jobKind tells the watcher how to record a finished build.
type jobKind int

const (
	// kindBaseline is a build testing a bare baseline commit.
	kindBaseline jobKind = iota
	// kindSeries is a build testing a patch series on top of a baseline.
	kindSeries
)

func (k jobKind) String() string {
	switch k {
	case kindBaseline:
		return "baseline"
	case kindSeries:
		return "series"
	}

	return fmt.Sprintf("jobKind(%d)", int(k))
}

// job is one outstanding CI build.
type job struct {
	kind jobKind
	// tracker is the source the tested series came from. Nil for baseline
	// jobs.
	tracker patchwork.Tracker
}

// Watcher ties the patch trackers, the CI runner and the store together.
// It is not safe for concurrent use; one watcher runs one control loop.
type Watcher struct {
	log    logrus.FieldLogger
	cfg    *config.Config
	store  store.Store
	runner jenkins.Runner

	trackers []patchwork.Tracker

	// jobs tracks outstanding builds by build number.
	jobs map[int64]job
}

// New creates a watcher. Tracker sources are connected separately with
// AddTracker.
func New(log logrus.FieldLogger, cfg *config.Config, st store.Store, runner jenkins.Runner) *Watcher {
	return &Watcher{
		log:    log.WithField("component", "watcher"),
		cfg:    cfg,
		store:  st,
		runner: runner,
		jobs:   make(map[int64]job),
	}
}

// AddTracker connects one configured tracker source and registers it for
// polling. The store seeds the source's watermark when the configuration
// does not.
func (w *Watcher) AddTracker(ctx context.Context, cfg *config.TrackerConfig) error {
	var (
		tracker patchwork.Tracker
		err     error
	)

	if cfg.RESTAPI {
		tracker, err = patchwork.NewREST(ctx, w.log, cfg, w.store, w.store)
	} else {
		tracker, err = patchwork.NewXMLRPC(ctx, w.log, cfg, w.store)
	}

	if err != nil {
		return fmt.Errorf("connecting tracker %s: %w", cfg.BaseURL, err)
	}

	w.trackers = append(w.trackers, tracker)

	return nil
}

// EnqueueBaselineJob submits a build testing the configured baseline ref.
// A commit that already has a result on record is skipped unless force is
// configured.
func (w *Watcher) EnqueueBaselineJob(ctx context.Context) error {
	ref := w.cfg.Baseline.Ref
	if ref == "" {
		ref = "HEAD"
	}

	commit, err := w.resolveRef(ctx, w.cfg.Baseline.Repo, ref)
	if err != nil {
		return err
	}

	if !w.cfg.Baseline.Force {
		prev, err := w.store.GetBaselineResult(ctx, w.cfg.Baseline.Repo, commit)
		if err != nil {
			return err
		}

		if prev != nil {
			w.log.WithFields(logrus.Fields{
				"commit": commit,
				"result": *prev,
			}).Info("Baseline commit already tested, skipping")

			return nil
		}
	}

	buildID, err := w.runner.Submit(ctx, jenkins.BuildParams{
		BaseRepo:   w.cfg.Baseline.Repo,
		Ref:        commit,
		BaseConfig: w.cfg.Baseline.ConfigURL,
		MakeOpts:   w.cfg.Baseline.MakeOpts,
	})
	if err != nil {
		return fmt.Errorf("submitting baseline build: %w", err)
	}

	w.jobs[buildID] = job{kind: kindBaseline}

	w.log.WithFields(logrus.Fields{
		"job":    buildID,
		"commit": commit,
	}).Info("Baseline build submitted")

	return nil
}

// resolveRef turns a git ref into a full commit hash, querying the remote
// when the ref is not already one.
func (w *Watcher) resolveRef(ctx context.Context, repo, ref string) (string, error) {
	if commitRE.MatchString(ref) {
		return ref, nil
	}

	out, err := exec.CommandContext(ctx, "git", "ls-remote", repo, ref).Output()
	if err != nil {
		return "", fmt.Errorf("listing remote %s: %w", repo, err)
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 || !commitRE.MatchString(fields[0]) {
		return "", fmt.Errorf("ref %s not found in %s", ref, repo)
	}

	return fields[0], nil
}

// CheckPatchwork polls every tracker for new series and submits a test
// build per series on top of the latest stable baseline. Series whose
// pending record expired are resolved again and resubmitted.
func (w *Watcher) CheckPatchwork(ctx context.Context) error {
	stable, err := w.store.GetStableCommit(ctx, w.cfg.Baseline.Repo)
	if err != nil {
		return err
	}

	if stable == "" {
		return fmt.Errorf("no stable baseline for %s, run a baseline test first", w.cfg.Baseline.Repo)
	}

	for _, tracker := range w.trackers {
		if err := w.checkTracker(ctx, tracker, stable); err != nil {
			return err
		}
	}

	return nil
}

func (w *Watcher) checkTracker(ctx context.Context, tracker patchwork.Tracker, stable string) error {
	series, err := tracker.GetNewSeries(ctx)
	if err != nil {
		return err
	}

	ready, dropped, err := w.FilterSeries(ctx, series)
	if err != nil {
		return err
	}

	for i := range dropped {
		w.log.WithFields(logrus.Fields{
			"tracker": tracker.BaseURL(),
			"subject": dropped[i].Subject,
		}).Info("Series dropped by filter")

		// Record the series so it is not offered again.
		if err := w.store.CommitTested(ctx, dropped[i].Patches); err != nil {
			return err
		}
	}

	expired, err := w.store.GetExpiredPending(ctx, tracker.BaseURL(), tracker.ProjectID(), w.cfg.Watch.PendingExpiry)
	if err != nil {
		return err
	}

	if len(expired) > 0 {
		// Resubmissions passed the filter the first time around and skip
		// it now.
		resubmit, err := tracker.GetSeriesForPatchIDs(ctx, expired)
		if err != nil {
			return err
		}

		ready = append(ready, resubmit...)
	}

	for i := range ready {
		if err := w.submitSeries(ctx, tracker, &ready[i], stable); err != nil {
			return err
		}
	}

	return nil
}

func (w *Watcher) submitSeries(ctx context.Context, tracker patchwork.Tracker, s *patchwork.Series, stable string) error {
	// Pending goes on record before submission: a crash between the two
	// leaves an expiring record, not a lost series.
	if err := w.store.SetPatchsetPending(ctx, tracker.BaseURL(), tracker.ProjectID(), s.Patches); err != nil {
		return err
	}

	buildID, err := w.runner.Submit(ctx, jenkins.BuildParams{
		BaseRepo:   w.cfg.Baseline.Repo,
		Ref:        stable,
		BaseConfig: w.cfg.Baseline.ConfigURL,
		MessageID:  s.MessageID,
		Subject:    s.Subject,
		Emails:     s.EmailList(),
		PatchURLs:  s.PatchURLs(),
		MakeOpts:   w.cfg.Baseline.MakeOpts,
	})
	if err != nil {
		return fmt.Errorf("submitting series build: %w", err)
	}

	w.jobs[buildID] = job{kind: kindSeries, tracker: tracker}

	w.log.WithFields(logrus.Fields{
		"job":     buildID,
		"subject": s.Subject,
		"patches": len(s.Patches),
	}).Info("Series test submitted")

	return nil
}

// CheckPending sweeps the outstanding builds and records the results of
// the finished ones.
func (w *Watcher) CheckPending(ctx context.Context) error {
	ids := make([]int64, 0, len(w.jobs))
	for id := range w.jobs {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		done, err := w.runner.IsComplete(ctx, id)
		if err != nil {
			return fmt.Errorf("checking build %d: %w", id, err)
		}

		if !done {
			continue
		}

		j := w.jobs[id]
		// The job leaves the outstanding set up front; results are
		// recorded at most once.
		delete(w.jobs, id)

		if err := w.processCompleted(ctx, id, j); err != nil {
			return err
		}
	}

	return nil
}

func (w *Watcher) processCompleted(ctx context.Context, buildID int64, j job) error {
	log := w.log.WithFields(logrus.Fields{
		"job":  buildID,
		"kind": j.kind,
	})

	res, err := w.runner.Result(ctx, buildID)
	if err != nil {
		return fmt.Errorf("fetching result of build %d: %w", buildID, err)
	}

	if res == result.ResultError {
		log.Warn("Unclassifiable job result, dropping")

		return nil
	}

	commit, err := w.runner.BaseCommit(ctx, buildID)
	if err != nil {
		return fmt.Errorf("fetching base commit of build %d: %w", buildID, err)
	}

	commitDate, err := w.runner.BaseCommitDate(ctx, buildID)
	if err != nil {
		return fmt.Errorf("fetching base commit date of build %d: %w", buildID, err)
	}

	log = log.WithField("result", res)

	switch j.kind {
	case kindBaseline:
		log.Info("Baseline build finished")

		return w.store.UpdateBaseline(ctx, w.cfg.Baseline.Repo, commit, commitDate, res, buildID)
	case kindSeries:
		log.Info("Series build finished")

		return w.processSeries(ctx, buildID, j.tracker, commit, commitDate, res)
	}

	return fmt.Errorf("unknown job kind: %d", j.kind)
}

func (w *Watcher) processSeries(ctx context.Context, buildID int64, tracker patchwork.Tracker, commit string, commitDate int64, res result.Result) error {
	if res == result.ResultBaselineFailure {
		// The baseline itself broke under this build, so the series
		// result is unusable. Mark the baseline failed to force a fresh
		// one before further series testing.
		w.log.WithFields(logrus.Fields{
			"job":    buildID,
			"commit": commit,
		}).Warn("Baseline failure while testing series, downgrading baseline")

		return w.store.UpdateBaseline(ctx, w.cfg.Baseline.Repo, commit, commitDate, result.ResultTestFailure, buildID)
	}

	resultURL, err := w.runner.ResultURL(ctx, buildID)
	if err != nil {
		return fmt.Errorf("fetching result url of build %d: %w", buildID, err)
	}

	urls, err := w.runner.TestedPatchURLs(ctx, buildID)
	if err != nil {
		return fmt.Errorf("fetching tested patches of build %d: %w", buildID, err)
	}

	var (
		patches   []patchwork.Patch
		seriesIDs []int64
	)

	for _, u := range urls {
		_, patchID, err := patchwork.ParsePatchURL(u)
		if err != nil {
			return err
		}

		detail, err := tracker.GetPatchByID(ctx, patchID)
		if err != nil {
			return err
		}

		if detail == nil {
			w.log.WithFields(logrus.Fields{
				"job":   buildID,
				"patch": patchID,
			}).Warn("Tested patch vanished from tracker, skipping")

			continue
		}

		if err := tracker.SetPatchCheck(ctx, patchID, resultURL, res); err != nil {
			return err
		}

		patches = append(patches, detail.Patch)
		seriesIDs = append(seriesIDs, detail.SeriesIDs...)
	}

	if len(patches) == 0 {
		return nil
	}

	return w.store.CommitPatchTest(ctx, w.cfg.Baseline.Repo, commit, patches, res, buildID, modalSeriesID(seriesIDs))
}

// modalSeriesID picks the series ID most of the patches agree on, ties
// going to the smallest ID. Zero when no patch reported any.
func modalSeriesID(ids []int64) int64 {
	counts := make(map[int64]int)
	for _, id := range ids {
		counts[id]++
	}

	var (
		best      int64
		bestCount int
	)

	for id, n := range counts {
		if n > bestCount || (n == bestCount && id < best) {
			best = id
			bestCount = n
		}
	}

	return best
}

// WaitForPending blocks until every outstanding build finished and its
// result is recorded, sweeping at the configured poll interval.
func (w *Watcher) WaitForPending(ctx context.Context) error {
	if err := w.CheckPending(ctx); err != nil {
		return err
	}

	for len(w.jobs) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.Watch.PollInterval):
		}

		if err := w.CheckPending(ctx); err != nil {
			return err
		}
	}

	w.log.Info("All pending jobs finished")

	return nil
}

// Cleanup logs the builds still outstanding. Their pending records stay
// behind and expire, making the series eligible for resubmission.
func (w *Watcher) Cleanup() {
	for id, j := range w.jobs {
		w.log.WithFields(logrus.Fields{
			"job":  id,
			"kind": j.kind,
		}).Warn("Abandoning outstanding job")
	}
}
