package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
)

// Tracker manages run lifecycles around the single-live-run rule.
type Tracker struct {
	store  *RunStore
	logger *zap.SugaredLogger
}

// NewTracker creates a run tracker.
func NewTracker(store *RunStore, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Start admits a new run for a logical pipeline. If the previous run
// failed, the new run continues its retry chain; if a run is currently
// running, Start returns ErrRunConflict without side effects.
func (t *Tracker) Start(ctx context.Context, logicalID string, scope Scope) (*Run, error) {
	run := NewRun(logicalID, scope)

	prev, err := t.store.LatestRun(ctx, logicalID)
	switch {
	case errors.IsNotFoundError(err):
		// first run for this logical ID
	case err != nil:
		return nil, err
	case prev.Status == StatusFailed:
		run.RetryCount = prev.RetryCount + 1
		// The failed run becomes part of the retry chain's history.
		prev.Status = StatusRetrying
		if err := t.store.UpdateRun(ctx, prev); err != nil {
			return nil, err
		}
	}

	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if t.logger != nil {
		t.logger.Infow("Run started",
			"run_id", run.ID,
			"logical_id", logicalID,
			"scope", scope,
			"retry", run.RetryCount,
		)
	}
	return run, nil
}

// Finish records a run's terminal state and outcome counters.
func (t *Tracker) Finish(ctx context.Context, run *Run, runErr error) error {
	outcome := "succeeded"
	switch {
	case errors.Is(runErr, context.Canceled):
		run.Cancel()
		outcome = "cancelled"
	case runErr != nil:
		run.Fail(runErr.Error())
		outcome = "failed"
	default:
		run.Complete()
	}
	runsCompleted.WithLabelValues(outcome).Inc()

	if err := t.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	if t.logger != nil {
		t.logger.Infow("Run finished",
			"run_id", run.ID,
			"status", run.Status,
			"objects", run.ObjectsProcessed,
			"accepted", run.RowsAccepted,
			"quarantined", run.RowsQuarantined,
		)
	}
	return nil
}
