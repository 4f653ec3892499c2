// Package transform is the normalization engine: it reads verified raw
// evidence, parses it into candidates, runs the quality gate, and commits
// the accepted and quarantined outcomes for one source object as a single
// transaction. Re-running a transform over unchanged evidence is a no-op.
package transform

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/quality"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
)

// Result summarizes one transform unit.
type Result struct {
	Accepted    int `json:"accepted"`
	Quarantined int `json:"quarantined"`
	Unchanged   int `json:"unchanged"`
}

// Engine drives the raw-to-silver transform.
type Engine struct {
	db     *sql.DB
	raw    *rawstore.Store
	store  *silver.Store
	gate   *quality.Gate
	logger *zap.SugaredLogger
}

// NewEngine wires a transform engine over its stores and gate.
func NewEngine(db *sql.DB, raw *rawstore.Store, store *silver.Store, gate *quality.Gate, logger *zap.SugaredLogger) *Engine {
	return &Engine{db: db, raw: raw, store: store, gate: gate, logger: logger}
}

// TransformObject normalizes one raw object. The object's bytes are read
// with digest re-verification; an integrity failure aborts the unit before
// any write. All row outcomes, accepted and quarantined alike, commit in
// one transaction so a crash mid-object leaves no partial state.
func (e *Engine) TransformObject(ctx context.Context, objectID string) (*Result, error) {
	data, obj, err := e.raw.Get(ctx, objectID)
	if err != nil {
		return nil, err
	}

	candidates, err := silver.ParseObject(obj, data)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transform transaction")
	}
	defer tx.Rollback()

	// Gate first, write second: rule evaluation sees only the committed
	// state the transaction opened with, never this unit's own writes.
	batch := quality.NewBatch()
	verdicts := make([]quality.Verdict, len(candidates))
	for i := range candidates {
		verdicts[i], err = e.gate.Evaluate(ctx, tx, &candidates[i], batch)
		if err != nil {
			return nil, err
		}
	}

	seq, err := e.store.NextSeqTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	var result Result
	for i := range candidates {
		changed, err := e.applyVerdictTx(ctx, tx, &candidates[i], verdicts[i], seq)
		if err != nil {
			return nil, err
		}
		switch {
		case !verdicts[i].Accepted():
			result.Quarantined++
		case changed:
			result.Accepted++
		default:
			result.Unchanged++
		}
	}

	// A shrunken re-ingest leaves rows past the new row count; drop them so
	// aggregates track the current export.
	if tabular := len(candidates) > 0 && candidates[0].Lineage.SourceRowNum != nil; tabular {
		if _, err := e.store.DeleteBeyondRowTx(ctx, tx, obj.SourceLabel, obj.LogicalName, len(candidates)); err != nil {
			return nil, err
		}
	}

	// Completion stamp commits with the row outcomes: a crash before this
	// point leaves the object pending and the next run redoes it safely.
	if _, err := tx.ExecContext(ctx,
		`UPDATE raw_objects SET transformed_at = CURRENT_TIMESTAMP WHERE id = ?`, objectID); err != nil {
		return nil, errors.Wrapf(err, "failed to stamp object %s transformed", objectID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit transform of object %s", objectID)
	}

	if e.logger != nil {
		e.logger.Infow("Transformed raw object",
			"object_id", objectID,
			"source", obj.SourceLabel,
			"name", obj.LogicalName,
			"accepted", result.Accepted,
			"quarantined", result.Quarantined,
			"unchanged", result.Unchanged,
		)
	}
	return &result, nil
}

// ApplyCandidateTx gates and applies a single externally-built candidate on
// the caller's transaction. Used by the stream consumer, which shares its
// transaction with the dedup ledger claim.
func (e *Engine) ApplyCandidateTx(ctx context.Context, tx *sql.Tx, cand *silver.Candidate) (accepted bool, err error) {
	verdict, err := e.gate.Evaluate(ctx, tx, cand, quality.NewBatch())
	if err != nil {
		return false, err
	}
	seq, err := e.store.NextSeqTx(ctx, tx)
	if err != nil {
		return false, err
	}
	if _, err := e.applyVerdictTx(ctx, tx, cand, verdict, seq); err != nil {
		return false, err
	}
	return verdict.Accepted(), nil
}

// applyVerdictTx commits one verdict: accepted candidates upsert into
// silver, rejected ones swap into quarantine. The two outcomes are mutually
// exclusive per identity key and the store enforces the swap atomically.
func (e *Engine) applyVerdictTx(ctx context.Context, tx *sql.Tx, cand *silver.Candidate, verdict quality.Verdict, seq int64) (bool, error) {
	if !verdict.Accepted() {
		rec := &silver.QuarantineRecord{
			IdentityKey: cand.IdentityKey,
			Kind:        cand.Kind,
			Lineage:     cand.Lineage,
			Reasons:     verdict.Reasons(),
		}
		return true, e.store.QuarantineTx(ctx, tx, rec)
	}

	row := &silver.Row{
		IdentityKey: cand.IdentityKey,
		Kind:        cand.Kind,
		Lineage:     cand.Lineage,
		BusinessKey: cand.BusinessKey,
		ParentKey:   cand.ParentKey,
		EventDate:   verdict.EventDate,
		AmountCents: verdict.AmountCents,
		Attributes:  cand.Attributes,
		ContentHash: silver.ContentHash(cand.Kind, cand.BusinessKey, cand.ParentKey,
			verdict.EventDate, verdict.AmountCents, cand.Attributes),
		CommittedSeq: seq,
	}
	return e.store.UpsertRowTx(ctx, tx, row)
}

// ReevaluateQuarantined re-transforms every raw object that currently has
// rows quarantined for a missing reference. Rows whose references have since
// been committed move to silver; the rest stay quarantined with fresh
// reasons. Returns the number of objects re-evaluated.
func (e *Engine) ReevaluateQuarantined(ctx context.Context) (int, *Result, error) {
	objects, err := e.store.SourcesWithReason(ctx, string(quality.ReasonMissingReference))
	if err != nil {
		return 0, nil, err
	}

	var total Result
	for _, objectID := range objects {
		res, err := e.TransformObject(ctx, objectID)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "failed to re-evaluate object %s", objectID)
		}
		total.Accepted += res.Accepted
		total.Quarantined += res.Quarantined
		total.Unchanged += res.Unchanged
	}
	return len(objects), &total, nil
}
