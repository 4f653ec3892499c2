package pipeline

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/gold"
	"github.com/evidentia/evidentia/transform"
)

// Orchestrator executes a full transform run: pending raw objects through
// the normalization engine, quarantine re-evaluation, then the gold
// recompute matching the run's scope.
type Orchestrator struct {
	db        *sql.DB
	tracker   *Tracker
	engine    *transform.Engine
	gold      *gold.Engine
	batchSize int
	logger    *zap.SugaredLogger
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(db *sql.DB, tracker *Tracker, engine *transform.Engine, goldEngine *gold.Engine, batchSize int, logger *zap.SugaredLogger) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Orchestrator{db: db, tracker: tracker, engine: engine, gold: goldEngine, batchSize: batchSize, logger: logger}
}

// RunTransform executes one run under the given logical ID. A concurrent
// run of the same logical ID yields ErrRunConflict before any work starts.
// Validation failures quarantine rows and never fail the run; a transform
// unit that aborts (integrity failure, unparseable object) fails the run
// after the remaining units have been attempted.
func (o *Orchestrator) RunTransform(ctx context.Context, logicalID string, scope Scope) (*Run, error) {
	run, err := o.tracker.Start(ctx, logicalID, scope)
	if err != nil {
		return nil, err
	}

	runErr := o.execute(ctx, run, scope)
	if err := o.tracker.Finish(ctx, run, runErr); err != nil {
		return run, err
	}
	return run, runErr
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, scope Scope) error {
	pending, err := o.pendingObjects(ctx, o.batchSize)
	if err != nil {
		return err
	}

	var unitErrs []error
	for _, objectID := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := o.engine.TransformObject(ctx, objectID)
		if err != nil {
			// Fatal for this unit only; the run carries on and reports.
			unitErrs = append(unitErrs, errors.Wrapf(err, "object %s", objectID))
			if o.logger != nil {
				o.logger.Errorw("Transform unit failed", "object_id", objectID, "error", err)
			}
			continue
		}
		run.ObjectsProcessed++
		run.RowsAccepted += res.Accepted
		run.RowsQuarantined += res.Quarantined
		objectsTransformed.Inc()
		rowsAccepted.Add(float64(res.Accepted))
		rowsQuarantined.Add(float64(res.Quarantined))
	}

	// Rows quarantined for references that have since arrived get another
	// chance within the same run.
	reevaluated, res, err := o.engine.ReevaluateQuarantined(ctx)
	if err != nil {
		unitErrs = append(unitErrs, err)
	} else if reevaluated > 0 {
		run.RowsAccepted += res.Accepted
		run.RowsQuarantined += res.Quarantined
		rowsAccepted.Add(float64(res.Accepted))
		rowsQuarantined.Add(float64(res.Quarantined))
	}

	if scope == ScopeFull {
		_, err = o.gold.RecomputeFull(ctx)
	} else {
		_, err = o.gold.RecomputeIncremental(ctx)
	}
	if err != nil {
		unitErrs = append(unitErrs, err)
	}

	if len(unitErrs) > 0 {
		combined := unitErrs[0]
		for _, e := range unitErrs[1:] {
			combined = errors.WithDetail(combined, e.Error())
		}
		return errors.Wrapf(combined, "%d of %d units failed", len(unitErrs), len(pending))
	}
	return nil
}

// pendingObjects lists the latest uncorrupted, untransformed version of
// each logical source, oldest first.
func (o *Orchestrator) pendingObjects(ctx context.Context, limit int) ([]string, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT r.id FROM raw_objects r
		WHERE r.corrupt = 0
		  AND r.transformed_at IS NULL
		  AND r.version = (
			SELECT MAX(r2.version) FROM raw_objects r2
			WHERE r2.source_label = r.source_label AND r2.logical_name = r.logical_name AND r2.corrupt = 0
		  )
		ORDER BY r.received_at ASC, r.id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending objects")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending object")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
