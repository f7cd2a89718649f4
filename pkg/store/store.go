// Package store persists baselines, tested patches, and the pending queue.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/patchwatch/pkg/config"
	"github.com/example/patchwatch/pkg/patchwork"
	"github.com/example/patchwatch/pkg/result"
)

// Store provides persistence for the watcher. Lookup misses return zero
// values with a nil error; only real failures return errors. All writes are
// driven by the single control loop, so the store adds no locking of its own.
type Store interface {
	// Start opens the database connection and runs migrations.
	Start(ctx context.Context) error
	// Stop closes the database connection.
	Stop() error

	// Repositories and sources.
	GetRepoID(ctx context.Context, url string) (int64, error)
	GetSourceID(ctx context.Context, baseURL string, projectID int) (int64, error)
	ListRepositories(ctx context.Context) ([]string, error)
	ListSources(ctx context.Context) ([]Source, error)

	// Baselines.
	GetStableCommit(ctx context.Context, repoURL string) (string, error)
	GetLatestBaseline(ctx context.Context, repoURL string) (string, error)
	GetBaselineResult(ctx context.Context, repoURL, commit string) (*result.Result, error)
	UpdateBaseline(ctx context.Context, repoURL, commit string, commitDate int64, res result.Result, jobID int64) error
	GetBaselines(ctx context.Context, repoURL string) ([]BaselineInfo, error)

	// Pending patches.
	SetPatchsetPending(ctx context.Context, baseURL string, projectID int, patches []patchwork.Patch) error
	UnsetPatchsetPending(ctx context.Context, baseURL string, projectID int, ids []int64) error
	GetExpiredPending(ctx context.Context, baseURL string, projectID int, maxAge time.Duration) ([]int64, error)
	GetPendingPatches(ctx context.Context, baseURL string, projectID int) ([]PendingPatch, error)

	// Source watermarks.
	GetLastCheckedPatch(ctx context.Context, baseURL string, projectID int) (int64, error)
	GetLastPendingPatch(ctx context.Context, baseURL string, projectID int) (int64, error)
	GetLastCheckedPatchDate(ctx context.Context, baseURL string, projectID int) (string, error)
	GetLastPendingPatchDate(ctx context.Context, baseURL string, projectID int) (string, error)

	// Tested series.
	CommitSeries(ctx context.Context, patches []patchwork.Patch, seriesID int64) (int64, error)
	CommitTested(ctx context.Context, patches []patchwork.Patch) error
	CommitPatchTest(ctx context.Context, repoURL, baselineCommit string, patches []patchwork.Patch, res result.Result, jobID, seriesID int64) error
	GetSeriesResult(ctx context.Context, seriesID int64) (*result.Result, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// Compile-time interface check.
var _ patchwork.TestedChecker = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// now is replaceable so pending-expiry tests can simulate the clock.
	now func() time.Time
}

// NewStore creates a new store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		now: time.Now,
	}
}

func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unknown database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&Repository{},
		&Source{},
		&Patch{},
		&PendingPatch{},
		&TestRun{},
		&Baseline{},
		&SeriesTest{},
	); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	s.db = db
	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting database handle: %w", err)
	}

	return db.Close()
}

func (s *store) GetRepoID(ctx context.Context, url string) (int64, error) {
	repo := Repository{URL: url}

	err := s.db.WithContext(ctx).
		Where("url = ?", url).
		FirstOrCreate(&repo).Error
	if err != nil {
		return 0, fmt.Errorf("getting repository: %w", err)
	}

	return repo.ID, nil
}

func (s *store) GetSourceID(ctx context.Context, baseURL string, projectID int) (int64, error) {
	src := Source{BaseURL: baseURL, ProjectID: projectID}

	err := s.db.WithContext(ctx).
		Where("base_url = ? AND project_id = ?", baseURL, projectID).
		FirstOrCreate(&src).Error
	if err != nil {
		return 0, fmt.Errorf("getting source: %w", err)
	}

	return src.ID, nil
}

func (s *store) ListRepositories(ctx context.Context) ([]string, error) {
	var urls []string

	err := s.db.WithContext(ctx).
		Model(&Repository{}).
		Order("id").
		Pluck("url", &urls).Error
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	return urls, nil
}

func (s *store) ListSources(ctx context.Context) ([]Source, error) {
	var sources []Source

	err := s.db.WithContext(ctx).
		Order("id").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	return sources, nil
}

func (s *store) GetStableCommit(ctx context.Context, repoURL string) (string, error) {
	var row Baseline

	err := s.db.WithContext(ctx).
		Select("baselines.*").
		Joins("JOIN repositories ON repositories.id = baselines.repo_id").
		Joins("JOIN test_runs ON test_runs.id = baselines.test_run_id").
		Where("repositories.url = ? AND test_runs.result = ?", repoURL, int(result.ResultSuccess)).
		Order("baselines.commit_date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting stable commit: %w", err)
	}

	return row.CommitHash, nil
}

func (s *store) GetLatestBaseline(ctx context.Context, repoURL string) (string, error) {
	var row Baseline

	err := s.db.WithContext(ctx).
		Select("baselines.*").
		Joins("JOIN repositories ON repositories.id = baselines.repo_id").
		Where("repositories.url = ?", repoURL).
		Order("baselines.commit_date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting latest baseline: %w", err)
	}

	return row.CommitHash, nil
}

func (s *store) GetBaselineResult(ctx context.Context, repoURL, commit string) (*result.Result, error) {
	baseline, err := s.getBaseline(ctx, repoURL, commit)
	if err != nil || baseline == nil {
		return nil, err
	}

	var run TestRun
	if err := s.db.WithContext(ctx).First(&run, baseline.TestRunID).Error; err != nil {
		return nil, fmt.Errorf("getting baseline result: %w", err)
	}

	res := result.Result(run.Result)

	return &res, nil
}

// UpdateBaseline records a baseline test. The first run for a commit is
// inserted as is; later runs replace it only when their result is at least as
// severe, so a lucky re-run cannot erase a known failure.
func (s *store) UpdateBaseline(ctx context.Context, repoURL, commit string, commitDate int64, res result.Result, jobID int64) error {
	repoID, err := s.GetRepoID(ctx, repoURL)
	if err != nil {
		return err
	}

	prev, err := s.GetBaselineResult(ctx, repoURL, commit)
	if err != nil {
		return err
	}

	if prev != nil && !res.AtLeastAsSevere(*prev) {
		s.log.WithFields(logrus.Fields{
			"commit":   commit,
			"result":   res.String(),
			"previous": prev.String(),
		}).Debug("Keeping previous baseline result")

		return nil
	}

	run := TestRun{Result: int(res), JobID: jobID}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("creating test run: %w", err)
	}

	if prev == nil {
		baseline := Baseline{
			RepoID:     repoID,
			CommitHash: commit,
			CommitDate: commitDate,
			TestRunID:  run.ID,
		}
		if err := s.db.WithContext(ctx).Create(&baseline).Error; err != nil {
			return fmt.Errorf("creating baseline: %w", err)
		}
	} else {
		err := s.db.WithContext(ctx).
			Model(&Baseline{}).
			Where("repo_id = ? AND commit_hash = ?", repoID, commit).
			Update("test_run_id", run.ID).Error
		if err != nil {
			return fmt.Errorf("updating baseline: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"commit": commit,
		"result": res.String(),
		"job":    jobID,
	}).Info("Baseline recorded")

	return nil
}

func (s *store) GetBaselines(ctx context.Context, repoURL string) ([]BaselineInfo, error) {
	var rows []struct {
		CommitHash string
		CommitDate int64
		Result     int
		JobID      int64
	}

	err := s.db.WithContext(ctx).
		Model(&Baseline{}).
		Select("baselines.commit_hash, baselines.commit_date, test_runs.result, test_runs.job_id").
		Joins("JOIN repositories ON repositories.id = baselines.repo_id").
		Joins("JOIN test_runs ON test_runs.id = baselines.test_run_id").
		Where("repositories.url = ?", repoURL).
		Order("baselines.commit_date DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing baselines: %w", err)
	}

	infos := make([]BaselineInfo, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, BaselineInfo{
			Commit:     r.CommitHash,
			CommitDate: r.CommitDate,
			Result:     result.Result(r.Result),
			JobID:      r.JobID,
		})
	}

	return infos, nil
}

func (s *store) SetPatchsetPending(ctx context.Context, baseURL string, projectID int, patches []patchwork.Patch) error {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return err
	}

	inserted := s.now().Unix()

	for _, p := range patches {
		row := PendingPatch{PatchID: p.ID, SourceID: sourceID}

		err := s.db.WithContext(ctx).
			Where("patch_id = ? AND source_id = ?", p.ID, sourceID).
			Assign(PendingPatch{Date: p.Date, InsertedAt: inserted}).
			FirstOrCreate(&row).Error
		if err != nil {
			return fmt.Errorf("marking patch %d pending: %w", p.ID, err)
		}
	}

	return nil
}

func (s *store) UnsetPatchsetPending(ctx context.Context, baseURL string, projectID int, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return err
	}

	tx := s.db.WithContext(ctx).
		Where("source_id = ? AND patch_id IN ?", sourceID, ids).
		Delete(&PendingPatch{})
	if tx.Error != nil {
		return fmt.Errorf("unsetting pending patches: %w", tx.Error)
	}

	if tx.RowsAffected > 0 {
		s.log.WithFields(logrus.Fields{
			"source": sourceID,
			"count":  tx.RowsAffected,
		}).Debug("Cleared pending patches")
	}

	return nil
}

func (s *store) GetExpiredPending(ctx context.Context, baseURL string, projectID int, maxAge time.Duration) ([]int64, error) {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-maxAge).Unix()

	var ids []int64
	err = s.db.WithContext(ctx).
		Model(&PendingPatch{}).
		Where("source_id = ? AND inserted_at < ?", sourceID, cutoff).
		Order("patch_id").
		Pluck("patch_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("getting expired pending patches: %w", err)
	}

	for _, id := range ids {
		s.log.WithField("patch", id).Info("Pending patch expired")
	}

	return ids, nil
}

func (s *store) GetPendingPatches(ctx context.Context, baseURL string, projectID int) ([]PendingPatch, error) {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return nil, err
	}

	var rows []PendingPatch
	err = s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("patch_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending patches: %w", err)
	}

	return rows, nil
}

func (s *store) GetLastCheckedPatch(ctx context.Context, baseURL string, projectID int) (int64, error) {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return 0, err
	}

	var row Patch
	err = s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting last checked patch: %w", err)
	}

	return row.ID, nil
}

func (s *store) GetLastPendingPatch(ctx context.Context, baseURL string, projectID int) (int64, error) {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return 0, err
	}

	var row PendingPatch
	err = s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("patch_id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting last pending patch: %w", err)
	}

	return row.PatchID, nil
}

func (s *store) GetLastCheckedPatchDate(ctx context.Context, baseURL string, projectID int) (string, error) {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return "", err
	}

	var row Patch
	err = s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting last checked patch date: %w", err)
	}

	return row.Date, nil
}

func (s *store) GetLastPendingPatchDate(ctx context.Context, baseURL string, projectID int) (string, error) {
	sourceID, err := s.GetSourceID(ctx, baseURL, projectID)
	if err != nil {
		return "", err
	}

	var row PendingPatch
	err = s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting last pending patch date: %w", err)
	}

	return row.Date, nil
}

// CommitSeries persists every patch of a series under one series ID. A zero
// seriesID allocates one past the highest ID ever recorded.
func (s *store) CommitSeries(ctx context.Context, patches []patchwork.Patch, seriesID int64) (int64, error) {
	if seriesID == 0 {
		id, err := s.nextSeriesID(ctx)
		if err != nil {
			return 0, err
		}
		seriesID = id
	}

	for _, p := range patches {
		if err := s.commitPatch(ctx, p, seriesID); err != nil {
			return 0, err
		}
	}

	return seriesID, nil
}

// CommitTested records a series that will never get a test result, such as
// one dropped by the filter, and clears its pending entries so it is not
// reconsidered.
func (s *store) CommitTested(ctx context.Context, patches []patchwork.Patch) error {
	if len(patches) == 0 {
		return nil
	}

	if _, err := s.CommitSeries(ctx, patches, 0); err != nil {
		return err
	}

	return s.unsetPendingFor(ctx, patches)
}

// CommitPatchTest records a completed series test: the run, the patch rows,
// and the link to the baseline the series was applied on.
func (s *store) CommitPatchTest(ctx context.Context, repoURL, baselineCommit string, patches []patchwork.Patch, res result.Result, jobID, seriesID int64) error {
	baseline, err := s.getBaseline(ctx, repoURL, baselineCommit)
	if err != nil {
		return err
	}
	if baseline == nil {
		return fmt.Errorf("no baseline recorded for %s at %s", repoURL, baselineCommit)
	}

	run := TestRun{Result: int(res), JobID: jobID}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("creating test run: %w", err)
	}

	seriesID, err = s.CommitSeries(ctx, patches, seriesID)
	if err != nil {
		return err
	}

	if err := s.unsetPendingFor(ctx, patches); err != nil {
		return err
	}

	link := SeriesTest{SeriesID: seriesID, BaselineID: baseline.ID, TestRunID: run.ID}
	if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
		return fmt.Errorf("linking series test: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"series": seriesID,
		"result": res.String(),
		"job":    jobID,
	}).Info("Series result recorded")

	return nil
}

func (s *store) GetSeriesResult(ctx context.Context, seriesID int64) (*result.Result, error) {
	var run TestRun

	err := s.db.WithContext(ctx).
		Select("test_runs.*").
		Joins("JOIN series_tests ON series_tests.test_run_id = test_runs.id").
		Where("series_tests.series_id = ?", seriesID).
		Order("series_tests.id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting series result: %w", err)
	}

	res := result.Result(run.Result)

	return &res, nil
}

func (s *store) getBaseline(ctx context.Context, repoURL, commit string) (*Baseline, error) {
	var row Baseline

	err := s.db.WithContext(ctx).
		Select("baselines.*").
		Joins("JOIN repositories ON repositories.id = baselines.repo_id").
		Where("repositories.url = ? AND baselines.commit_hash = ?", repoURL, commit).
		Order("baselines.commit_date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting baseline: %w", err)
	}

	return &row, nil
}

func (s *store) nextSeriesID(ctx context.Context) (int64, error) {
	var row Patch

	err := s.db.WithContext(ctx).Order("series_id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("allocating series id: %w", err)
	}

	return row.SeriesID + 1, nil
}

func (s *store) commitPatch(ctx context.Context, p patchwork.Patch, seriesID int64) error {
	sourceID, err := s.GetSourceID(ctx, p.BaseURL, p.ProjectID)
	if err != nil {
		return err
	}

	row := Patch{ID: p.ID}
	err = s.db.WithContext(ctx).
		Where("id = ?", p.ID).
		Assign(Patch{
			Name:     p.Name,
			URL:      p.URL,
			Date:     p.Date,
			SourceID: sourceID,
			SeriesID: seriesID,
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("committing patch %d: %w", p.ID, err)
	}

	return nil
}

// unsetPendingFor clears pending entries for patches grouped by the source
// they came from.
func (s *store) unsetPendingFor(ctx context.Context, patches []patchwork.Patch) error {
	type source struct {
		baseURL   string
		projectID int
	}

	bySource := make(map[source][]int64)
	for _, p := range patches {
		key := source{baseURL: p.BaseURL, projectID: p.ProjectID}
		bySource[key] = append(bySource[key], p.ID)
	}

	for key, ids := range bySource {
		if err := s.UnsetPatchsetPending(ctx, key.baseURL, key.projectID, ids); err != nil {
			return err
		}
	}

	return nil
}
