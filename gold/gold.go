// Package gold maintains the curated aggregate layer: daily totals per row
// kind and dimension, recomputed deterministically from committed silver
// rows. Aggregates are disposable; a full recompute and a chain of
// incremental recomputes over the same silver state produce identical
// tables.
package gold

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
)

// Aggregate is one gold bucket: all committed rows of a kind on a day,
// grouped by dimension (the parent business key, empty for top-level kinds).
type Aggregate struct {
	BucketDate       string    `json:"bucket_date"`
	Kind             string    `json:"kind"`
	Dimension        string    `json:"dimension"`
	RowCount         int64     `json:"row_count"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Engine recomputes and serves gold aggregates.
type Engine struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewEngine creates a gold engine.
func NewEngine(db *sql.DB, logger *zap.SugaredLogger) *Engine {
	return &Engine{db: db, logger: logger}
}

// RecomputeFull rebuilds the entire aggregate table from committed silver
// rows, clears the dirty-bucket queue, and advances the watermark. Returns
// the number of aggregate rows written.
func (e *Engine) RecomputeFull(ctx context.Context) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin full recompute")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM gold_aggregates`); err != nil {
		return 0, errors.Wrap(err, "failed to clear aggregates")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO gold_aggregates (bucket_date, kind, dimension, row_count, total_amount_cents, computed_at)
		SELECT event_date, kind, COALESCE(parent_key, ''), COUNT(*), SUM(amount_cents), ?
		FROM silver_rows
		GROUP BY event_date, kind, COALESCE(parent_key, '')`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to rebuild aggregates")
	}
	written, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM gold_dirty_buckets`); err != nil {
		return 0, errors.Wrap(err, "failed to clear dirty buckets")
	}
	if err := advanceWatermarkTx(ctx, tx); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit full recompute")
	}
	if e.logger != nil {
		e.logger.Infow("Full gold recompute", "aggregates", written)
	}
	return int(written), nil
}

// RecomputeIncremental re-rolls only the buckets silver changes have marked
// dirty since the last recompute, then advances the watermark. Returns the
// number of buckets recomputed.
func (e *Engine) RecomputeIncremental(ctx context.Context) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin incremental recompute")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT bucket_date, kind FROM gold_dirty_buckets ORDER BY bucket_date, kind`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read dirty buckets")
	}
	type bucket struct{ date, kind string }
	var dirty []bucket
	for rows.Next() {
		var b bucket
		if err := rows.Scan(&b.date, &b.kind); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan dirty bucket")
		}
		dirty = append(dirty, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "error iterating dirty buckets")
	}

	now := time.Now().UTC()
	for _, b := range dirty {
		if err := recomputeBucketTx(ctx, tx, b.date, b.kind, now); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM gold_dirty_buckets WHERE bucket_date = ? AND kind = ?`, b.date, b.kind); err != nil {
			return 0, errors.Wrap(err, "failed to clear dirty bucket")
		}
	}

	if err := advanceWatermarkTx(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit incremental recompute")
	}
	if e.logger != nil && len(dirty) > 0 {
		e.logger.Infow("Incremental gold recompute", "buckets", len(dirty))
	}
	return len(dirty), nil
}

// recomputeBucketTx rebuilds every dimension of one (date, kind) bucket
// from scratch. Buckets with no remaining silver rows disappear.
func recomputeBucketTx(ctx context.Context, tx *sql.Tx, bucketDate, kind string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gold_aggregates WHERE bucket_date = ? AND kind = ?`, bucketDate, kind); err != nil {
		return errors.Wrapf(err, "failed to clear bucket %s/%s", bucketDate, kind)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO gold_aggregates (bucket_date, kind, dimension, row_count, total_amount_cents, computed_at)
		SELECT event_date, kind, COALESCE(parent_key, ''), COUNT(*), SUM(amount_cents), ?
		FROM silver_rows
		WHERE event_date = ? AND kind = ?
		GROUP BY COALESCE(parent_key, '')`,
		now, bucketDate, kind,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to recompute bucket %s/%s", bucketDate, kind)
	}
	return nil
}

func advanceWatermarkTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE gold_watermark
		SET committed_seq = (SELECT COALESCE(MAX(committed_seq), 0) FROM silver_rows), updated_at = ?
		WHERE id = 1`,
		time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to advance watermark")
	}
	return nil
}

// Watermark returns the committed_seq up to which aggregates are current.
func (e *Engine) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := e.db.QueryRowContext(ctx, `SELECT committed_seq FROM gold_watermark WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read watermark")
	}
	return seq, nil
}

// Aggregates returns stored aggregates, optionally filtered by kind and an
// inclusive date range. Empty filter values match everything.
func (e *Engine) Aggregates(ctx context.Context, kind, fromDate, toDate string) ([]*Aggregate, error) {
	query := `SELECT bucket_date, kind, dimension, row_count, total_amount_cents, computed_at FROM gold_aggregates WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if fromDate != "" {
		query += ` AND bucket_date >= ?`
		args = append(args, fromDate)
	}
	if toDate != "" {
		query += ` AND bucket_date <= ?`
		args = append(args, toDate)
	}
	query += ` ORDER BY bucket_date, kind, dimension`

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query aggregates")
	}
	defer rows.Close()

	var out []*Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.BucketDate, &a.Kind, &a.Dimension, &a.RowCount, &a.TotalAmountCents, &a.ComputedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan aggregate")
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Aggregate loads one bucket cell.
func (e *Engine) Aggregate(ctx context.Context, bucketDate, kind, dimension string) (*Aggregate, error) {
	var a Aggregate
	err := e.db.QueryRowContext(ctx, `
		SELECT bucket_date, kind, dimension, row_count, total_amount_cents, computed_at
		FROM gold_aggregates WHERE bucket_date = ? AND kind = ? AND dimension = ?`,
		bucketDate, kind, dimension,
	).Scan(&a.BucketDate, &a.Kind, &a.Dimension, &a.RowCount, &a.TotalAmountCents, &a.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("aggregate %s/%s/%s", bucketDate, kind, dimension)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aggregate")
	}
	return &a, nil
}

// VerifyConvergence recomputes every aggregate from silver in memory and
// compares against the stored table. A mismatch means incremental state
// drifted from the full recompute and is reported as a divergence count.
func (e *Engine) VerifyConvergence(ctx context.Context) (int, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT s.bucket_date, s.kind, s.dimension, s.row_count, s.total_cents,
			COALESCE(g.row_count, -1), COALESCE(g.total_amount_cents, 0)
		FROM (
			SELECT event_date AS bucket_date, kind, COALESCE(parent_key, '') AS dimension,
				COUNT(*) AS row_count, SUM(amount_cents) AS total_cents
			FROM silver_rows
			GROUP BY event_date, kind, COALESCE(parent_key, '')
		) s
		LEFT JOIN gold_aggregates g
			ON g.bucket_date = s.bucket_date AND g.kind = s.kind AND g.dimension = s.dimension`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compare aggregates")
	}
	defer rows.Close()

	divergent := 0
	for rows.Next() {
		var date, kind, dim string
		var wantCount, wantTotal, gotCount, gotTotal int64
		if err := rows.Scan(&date, &kind, &dim, &wantCount, &wantTotal, &gotCount, &gotTotal); err != nil {
			return 0, errors.Wrap(err, "failed to scan comparison row")
		}
		if gotCount != wantCount || gotTotal != wantTotal {
			divergent++
			if e.logger != nil {
				e.logger.Warnw("Aggregate divergence",
					"bucket", date, "kind", kind, "dimension", dim,
					"stored_count", gotCount, "expected_count", wantCount,
					"stored_total", gotTotal, "expected_total", wantTotal,
				)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "error iterating comparison")
	}

	// Stored aggregates with no silver rows behind them are also divergence.
	var orphans int
	err = e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM gold_aggregates g
		WHERE NOT EXISTS (
			SELECT 1 FROM silver_rows s
			WHERE s.event_date = g.bucket_date AND s.kind = g.kind AND COALESCE(s.parent_key, '') = g.dimension
		)`).Scan(&orphans)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count orphan aggregates")
	}
	return divergent + orphans, nil
}
