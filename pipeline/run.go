// Package pipeline tracks transform runs and orchestrates the batch
// raw-to-silver-to-gold path. A run's logical ID names the recurring
// pipeline it belongs to; at most one run per logical ID may be live at a
// time, enforced by the database.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusRetrying  RunStatus = "retrying"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusCancelled
}

// Scope selects how much work a run covers.
type Scope string

const (
	// ScopeIncremental transforms pending objects and re-rolls dirty buckets.
	ScopeIncremental Scope = "incremental"
	// ScopeFull transforms pending objects and rebuilds all aggregates.
	ScopeFull Scope = "full"
)

// Run is one execution of a logical pipeline.
type Run struct {
	ID               string     `json:"id"`
	LogicalID        string     `json:"logical_id"`
	Status           RunStatus  `json:"status"`
	Scope            Scope      `json:"scope"`
	ObjectsProcessed int        `json:"objects_processed"`
	RowsAccepted     int        `json:"rows_accepted"`
	RowsQuarantined  int        `json:"rows_quarantined"`
	RetryCount       int        `json:"retry_count"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewRun creates a running run for a logical pipeline. Runs begin life
// running rather than queued: admission control happens at insert time via
// the single-live-run constraint.
func NewRun(logicalID string, scope Scope) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.NewString(),
		LogicalID: logicalID,
		Status:    StatusRunning,
		Scope:     scope,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Complete marks the run succeeded.
func (r *Run) Complete() {
	now := time.Now().UTC()
	r.Status = StatusSucceeded
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Fail marks the run failed with the given cause.
func (r *Run) Fail(cause string) {
	now := time.Now().UTC()
	r.Status = StatusFailed
	r.Error = cause
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Cancel marks the run cancelled.
func (r *Run) Cancel() {
	now := time.Now().UTC()
	r.Status = StatusCancelled
	r.CompletedAt = &now
	r.UpdatedAt = now
}
