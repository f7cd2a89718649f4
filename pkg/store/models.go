package store

import "github.com/example/patchwatch/pkg/result"

// Repository is a git repository whose baseline commits are tracked.
type Repository struct {
	ID  int64  `json:"id" gorm:"primaryKey"`
	URL string `json:"url" gorm:"uniqueIndex;not null"`
}

// Source is one project on one patch tracker instance.
type Source struct {
	ID        int64  `json:"id" gorm:"primaryKey"`
	BaseURL   string `json:"base_url" gorm:"uniqueIndex:idx_sources_base_url_project;not null"`
	ProjectID int    `json:"project_id" gorm:"uniqueIndex:idx_sources_base_url_project;not null"`
}

// Patch is a patch recorded as seen, keyed by the ID its tracker assigned.
type Patch struct {
	ID       int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Date     string `json:"date"`
	SourceID int64  `json:"source_id" gorm:"index"`
	SeriesID int64  `json:"series_id" gorm:"index"`
}

// PendingPatch is a patch whose test job was submitted but whose result has
// not been recorded yet.
type PendingPatch struct {
	PatchID    int64  `json:"patch_id" gorm:"primaryKey;autoIncrement:false"`
	SourceID   int64  `json:"source_id" gorm:"primaryKey;autoIncrement:false"`
	Date       string `json:"date"`
	InsertedAt int64  `json:"inserted_at"`
}

// TestRun is one classified outcome of a CI job.
type TestRun struct {
	ID     int64 `json:"id" gorm:"primaryKey"`
	Result int   `json:"result"`
	JobID  int64 `json:"job_id"`
}

// Baseline is a tested commit of a repository. The commit_hash column avoids
// the COMMIT keyword, which sqlite rejects as a bare identifier.
type Baseline struct {
	ID         int64  `json:"id" gorm:"primaryKey"`
	RepoID     int64  `json:"repo_id" gorm:"index"`
	CommitHash string `json:"commit_hash" gorm:"index"`
	CommitDate int64  `json:"commit_date"`
	TestRunID  int64  `json:"test_run_id"`
}

// SeriesTest links a tested series to the baseline it was applied on and the
// run that tested it.
type SeriesTest struct {
	ID         int64 `json:"id" gorm:"primaryKey"`
	SeriesID   int64 `json:"series_id" gorm:"index"`
	BaselineID int64 `json:"baseline_id"`
	TestRunID  int64 `json:"test_run_id"`
}

// BaselineInfo is one row of the baseline test listing.
type BaselineInfo struct {
	Commit     string        `json:"commit"`
	CommitDate int64         `json:"commit_date"`
	Result     result.Result `json:"result"`
	JobID      int64         `json:"job_id"`
}
