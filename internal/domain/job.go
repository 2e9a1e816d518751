// Package domain holds the Job record (spec.md §3.1) that the rest of
// jobq reads and transitions.
package domain

import "time"

// Status is the job's tagged-variant state (spec.md §3.2).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the durable job row, keyed by a server-assigned, monotonically
// increasing JobID. Table name job_run for continuity with the
// teacher's JobRun domain type.
type Job struct {
	JobID             int64      `gorm:"column:job_id;primaryKey;autoIncrement" json:"job_id"`
	QuerySQL          string     `gorm:"column:query_sql;type:text;not null" json:"query_sql"`
	StorageAccount    string     `gorm:"column:storage_account;not null" json:"storage_account"`
	StorageContainer  string     `gorm:"column:storage_container;not null" json:"storage_container"`
	ResultBlobPath    *string    `gorm:"column:result_blob_path" json:"result_blob_path,omitempty"`
	ScheduledAt       time.Time  `gorm:"column:scheduled_at;not null" json:"scheduled_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
	StartedAt         *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Priority          int        `gorm:"column:priority;not null;default:0" json:"priority"`
	CorrelationID     *string    `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	Status            Status     `gorm:"column:status;type:text;not null" json:"status"`
	AttemptCount      int        `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	MaxAttempts       int        `gorm:"column:max_attempts;not null" json:"max_attempts"`
	MaxRuntimeNS      int64      `gorm:"column:max_runtime_ns;not null" json:"max_runtime_ns"`
	LastError         *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	RunBy             *string    `gorm:"column:run_by" json:"run_by,omitempty"`
	BackendPID        *int32     `gorm:"column:backend_pid" json:"backend_pid,omitempty"`
}

func (Job) TableName() string { return "job_run" }

// MaxRuntime returns MaxRuntimeNS as a time.Duration.
func (j *Job) MaxRuntime() time.Duration {
	return time.Duration(j.MaxRuntimeNS)
}

// Bounds from spec.md §3.1/§4.2.
const (
	MaxQuerySQLLen    = 100_000
	MinPriority       = -1000
	MaxPriority       = 1000
	MinMaxRuntime     = time.Second
	MaxMaxRuntime     = 24 * time.Hour
	DefaultMaxRuntime = 30 * time.Minute
	MaxLastErrorLen   = 4000
)
