// Package models holds the GORM-mapped entities the dispatcher persists.
package models

import "time"

// Client is a registered user able to submit jobs and administer builders.
type Client struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"size:64;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:128;not null"`
	Role         string `gorm:"size:16;default:user"` // "admin" or "user"
	CreatedAt    time.Time
}

// Builder is a registered physical machine capable of running board-configs.
type Builder struct {
	ID         string `gorm:"primaryKey;size:36"`
	OwnerID    string `gorm:"size:36;index;not null"`
	Name       string `gorm:"size:128"`
	TokenHash  string `gorm:"size:128;not null"`
	ConfigHash string `gorm:"size:64"` // hash of the most recently announced config
	CreatedAt  time.Time

	Boards []Board `gorm:"foreignKey:BuilderID"`
}

// Board is one physical board attached to a Builder, derived from its posted config.
type Board struct {
	ID          string `gorm:"primaryKey;size:36"`
	BuilderID   string `gorm:"size:36;index;not null"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"type:text"`

	Configs []BoardConfig `gorm:"foreignKey:BoardID"`
}

// BoardConfig is the smallest runnable unit: a named (board, tags, scripts, results-path) tuple.
type BoardConfig struct {
	ID          string `gorm:"primaryKey;size:36"`
	BoardID     string `gorm:"size:36;index;not null"`
	Name        string `gorm:"size:128;not null"`
	Tags        string `gorm:"type:json"` // JSON array of strings
	BuildScript string `gorm:"size:512;not null"`
	RunScript   string `gorm:"size:512;not null"`
	ResultsPath string `gorm:"size:512"`
	LibraryPath string `gorm:"size:512"`
}

// Job kinds.
const (
	JobKindBuild    = "build"
	JobKindBuildRun = "build_and_run"
)

// Job status values. NotStarted and Running are transient; Success and
// Failed are terminal (see invariant 3 in SPEC_FULL.md §3).
const (
	JobStatusNotStarted = "not_started"
	JobStatusRunning    = "running"
	JobStatusSuccess    = "success"
	JobStatusFailed     = "failed"
)

// Job is a submitted unit of work tied to a commit hash and remote URL.
type Job struct {
	ID           string `gorm:"primaryKey;size:36"`
	Kind         string `gorm:"size:16;not null"`
	CommitHash   string `gorm:"size:40;not null"`
	RemoteURL    string `gorm:"size:512;not null"`
	FetchToken   string `gorm:"size:256"`
	TimeoutSecs  int    `gorm:"not null"`
	Status       string `gorm:"size:16;default:not_started;index"`
	ErrorSummary string `gorm:"type:text"`
	CreatedAt    time.Time
	DispatchedAt *time.Time
	FinishedAt   *time.Time

	Logs    []JobLog    `gorm:"foreignKey:JobID"`
	Results []JobResult `gorm:"foreignKey:JobID"`
}

// JobLog holds the captured log text for one board-config of one job.
// Per invariant 5, rows only exist once the job is terminal.
type JobLog struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	JobID         string `gorm:"size:36;index;not null"`
	BoardConfigID string `gorm:"size:36;index;not null"`
	Text          string `gorm:"type:mediumtext"`
}

// JobResult holds the collected results-file text for one board-config of one job.
type JobResult struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	JobID         string `gorm:"size:36;index;not null"`
	BoardConfigID string `gorm:"size:36;index;not null"`
	Text          string `gorm:"type:mediumtext"`
}
