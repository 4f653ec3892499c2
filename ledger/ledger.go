// Package ledger records which delivered stream messages have been durably
// processed, turning an at-least-once delivery channel into at-most-once
// side effects.
//
// The protocol is claim-then-commit inside one transaction: TryClaim inserts
// an uncommitted claim, the caller performs its writes on the same
// transaction, and Commit flips the claim before the transaction commits.
// A crash between claim and commit rolls everything back, so the offset key
// stays reusable; a committed key suppresses redelivered side effects.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/evidentia/evidentia/errors"
)

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	// Claimed is true when the caller now owns the offset and must process it.
	Claimed bool
	// AlreadyProcessed is true when a committed claim exists: the redelivery
	// must be acknowledged without side effects.
	AlreadyProcessed bool
}

// Ledger is the stream dedup ledger over the stream_offsets table.
type Ledger struct {
	db *sql.DB
}

// New creates a ledger backed by the given database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// TryClaim claims (topic, partition, offset) inside the caller's transaction.
// An uncommitted claim left by a crashed processor is treated as unprocessed
// and re-claimed.
func (l *Ledger) TryClaim(ctx context.Context, tx *sql.Tx, topic string, partition int, offset int64) (ClaimResult, error) {
	var committed int
	err := tx.QueryRowContext(ctx,
		`SELECT committed FROM stream_offsets WHERE topic = ? AND partition = ? AND msg_offset = ?`,
		topic, partition, offset,
	).Scan(&committed)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stream_offsets (topic, partition, msg_offset, committed, claimed_at) VALUES (?, ?, ?, 0, ?)`,
			topic, partition, offset, time.Now().UTC(),
		)
		if err != nil {
			return ClaimResult{}, errors.Wrapf(err, "failed to claim %s/%d@%d", topic, partition, offset)
		}
		return ClaimResult{Claimed: true}, nil

	case err != nil:
		return ClaimResult{}, errors.Wrapf(err, "failed to check claim %s/%d@%d", topic, partition, offset)

	case committed == 1:
		return ClaimResult{AlreadyProcessed: true}, nil

	default:
		// Uncommitted leftover from a crash between claim and commit.
		_, err := tx.ExecContext(ctx,
			`UPDATE stream_offsets SET claimed_at = ? WHERE topic = ? AND partition = ? AND msg_offset = ?`,
			time.Now().UTC(), topic, partition, offset,
		)
		if err != nil {
			return ClaimResult{}, errors.Wrapf(err, "failed to re-claim %s/%d@%d", topic, partition, offset)
		}
		return ClaimResult{Claimed: true}, nil
	}
}

// Commit marks a claim committed. Must run on the same transaction that
// performed the side effects the claim guards.
func (l *Ledger) Commit(ctx context.Context, tx *sql.Tx, topic string, partition int, offset int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE stream_offsets SET committed = 1, committed_at = ? WHERE topic = ? AND partition = ? AND msg_offset = ? AND committed = 0`,
		time.Now().UTC(), topic, partition, offset,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to commit claim %s/%d@%d", topic, partition, offset)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.AssertionFailedf("commit without uncommitted claim for %s/%d@%d", topic, partition, offset)
	}
	return nil
}

// IsCommitted reports whether an offset has a committed claim.
func (l *Ledger) IsCommitted(ctx context.Context, topic string, partition int, offset int64) (bool, error) {
	var committed int
	err := l.db.QueryRowContext(ctx,
		`SELECT committed FROM stream_offsets WHERE topic = ? AND partition = ? AND msg_offset = ?`,
		topic, partition, offset,
	).Scan(&committed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check committed offset")
	}
	return committed == 1, nil
}

// ReleaseStale deletes uncommitted claims older than the cutoff. Run at
// consumer startup so claims orphaned by a crash outside a transaction do
// not linger. Committed claims are never touched.
func (l *Ledger) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM stream_offsets WHERE committed = 0 AND claimed_at < ?`, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale claims")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}
