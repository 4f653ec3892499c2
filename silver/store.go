package silver

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
)

// Store persists normalized rows and their quarantine counterparts. All
// mutating operations run on a caller-supplied transaction so one source
// object's rows commit or roll back as a unit.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a silver row store.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// NextSeqTx reserves the next committed_seq value inside the transaction.
// Sequence values are only visible once the transaction commits, so the
// gold watermark never observes a gap that later fills in.
func (s *Store) NextSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(committed_seq), 0) + 1 FROM silver_rows`).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reserve committed_seq")
	}
	return seq, nil
}

// UpsertRowTx writes an accepted row. Unchanged content (same content hash)
// is a no-op; new or changed content inserts or overwrites and removes any
// quarantine record for the same identity key. Returns whether the stored
// state changed.
func (s *Store) UpsertRowTx(ctx context.Context, tx *sql.Tx, row *Row) (bool, error) {
	var existingHash, existingDate string
	err := tx.QueryRowContext(ctx,
		`SELECT content_hash, event_date FROM silver_rows WHERE identity_key = ?`, row.IdentityKey,
	).Scan(&existingHash, &existingDate)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		attrs, marshalErr := marshalAttributes(row.Attributes)
		if marshalErr != nil {
			return false, marshalErr
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO silver_rows (identity_key, kind, source_object_id, source_row_num, business_key,
				parent_key, event_date, amount_cents, attributes, content_hash, committed_seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.IdentityKey, row.Kind, row.Lineage.SourceObjectID, row.Lineage.SourceRowNum, row.BusinessKey,
			row.ParentKey, row.EventDate, row.AmountCents, attrs, row.ContentHash, row.CommittedSeq, now, now,
		)
		if err != nil {
			return false, errors.Wrapf(err, "failed to insert silver row %s", row.IdentityKey)
		}

	case err != nil:
		return false, errors.Wrapf(err, "failed to load silver row %s", row.IdentityKey)

	case existingHash == row.ContentHash:
		// Idempotent re-transform: nothing to write, but a stale quarantine
		// record for the key must still give way.
		return false, s.deleteQuarantineTx(ctx, tx, row.IdentityKey)

	default:
		attrs, marshalErr := marshalAttributes(row.Attributes)
		if marshalErr != nil {
			return false, marshalErr
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE silver_rows SET kind = ?, source_object_id = ?, source_row_num = ?, business_key = ?,
				parent_key = ?, event_date = ?, amount_cents = ?, attributes = ?, content_hash = ?,
				committed_seq = ?, updated_at = ?
			WHERE identity_key = ?`,
			row.Kind, row.Lineage.SourceObjectID, row.Lineage.SourceRowNum, row.BusinessKey,
			row.ParentKey, row.EventDate, row.AmountCents, attrs, row.ContentHash,
			row.CommittedSeq, time.Now().UTC(), row.IdentityKey,
		)
		if err != nil {
			return false, errors.Wrapf(err, "failed to update silver row %s", row.IdentityKey)
		}
		// The old bucket must be re-rolled too if the row moved dates.
		if existingDate != row.EventDate {
			if err := s.markDirtyTx(ctx, tx, existingDate, row.Kind); err != nil {
				return false, err
			}
		}
	}

	if err := s.deleteQuarantineTx(ctx, tx, row.IdentityKey); err != nil {
		return false, err
	}
	if err := s.markDirtyTx(ctx, tx, row.EventDate, row.Kind); err != nil {
		return false, err
	}
	return true, nil
}

// QuarantineTx records a rejected row and removes any committed silver row
// for the same identity key, in the same transaction.
func (s *Store) QuarantineTx(ctx context.Context, tx *sql.Tx, rec *QuarantineRecord) error {
	// A previously accepted row that now fails the gate leaves silver; its
	// old bucket needs a re-roll.
	var oldDate string
	var oldKind Kind
	err := tx.QueryRowContext(ctx,
		`SELECT event_date, kind FROM silver_rows WHERE identity_key = ?`, rec.IdentityKey,
	).Scan(&oldDate, &oldKind)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// nothing committed for this key
	case err != nil:
		return errors.Wrapf(err, "failed to check silver row %s", rec.IdentityKey)
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM silver_rows WHERE identity_key = ?`, rec.IdentityKey); err != nil {
			return errors.Wrapf(err, "failed to evict silver row %s", rec.IdentityKey)
		}
		if err := s.markDirtyTx(ctx, tx, oldDate, oldKind); err != nil {
			return err
		}
	}

	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return errors.Wrap(err, "failed to marshal quarantine reasons")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quarantine_rows (identity_key, kind, source_object_id, source_row_num, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			kind = excluded.kind,
			source_object_id = excluded.source_object_id,
			source_row_num = excluded.source_row_num,
			reasons = excluded.reasons,
			created_at = excluded.created_at`,
		rec.IdentityKey, rec.Kind, rec.Lineage.SourceObjectID, rec.Lineage.SourceRowNum, string(reasons), time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to quarantine row %s", rec.IdentityKey)
	}
	return nil
}

func (s *Store) deleteQuarantineTx(ctx context.Context, tx *sql.Tx, identityKey string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM quarantine_rows WHERE identity_key = ?`, identityKey); err != nil {
		return errors.Wrapf(err, "failed to clear quarantine for %s", identityKey)
	}
	return nil
}

// markDirtyTx flags a (bucket_date, kind) bucket for incremental rollup.
func (s *Store) markDirtyTx(ctx context.Context, tx *sql.Tx, bucketDate string, kind Kind) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO gold_dirty_buckets (bucket_date, kind) VALUES (?, ?)`, bucketDate, kind,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark dirty bucket")
	}
	return nil
}

// DeleteBeyondRowTx removes rows, committed or quarantined, that came from
// a logical source's tabular export but lie past its current row count. A
// re-ingested export that shrank would otherwise leave stale rows behind.
// Returns the number of committed rows removed.
func (s *Store) DeleteBeyondRowTx(ctx context.Context, tx *sql.Tx, sourceLabel, logicalName string, maxRow int) (int, error) {
	const sourceFilter = `source_object_id IN (SELECT id FROM raw_objects WHERE source_label = ? AND logical_name = ?)
		AND source_row_num > ?`

	rows, err := tx.QueryContext(ctx,
		`SELECT identity_key, event_date, kind FROM silver_rows WHERE `+sourceFilter,
		sourceLabel, logicalName, maxRow)
	if err != nil {
		return 0, errors.Wrap(err, "failed to find stale rows")
	}
	type stale struct {
		key, date string
		kind      Kind
	}
	var victims []stale
	for rows.Next() {
		var v stale
		if err := rows.Scan(&v.key, &v.date, &v.kind); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan stale row")
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "error iterating stale rows")
	}

	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM silver_rows WHERE identity_key = ?`, v.key); err != nil {
			return 0, errors.Wrapf(err, "failed to delete stale row %s", v.key)
		}
		if err := s.markDirtyTx(ctx, tx, v.date, v.kind); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM quarantine_rows WHERE `+sourceFilter, sourceLabel, logicalName, maxRow); err != nil {
		return 0, errors.Wrap(err, "failed to delete stale quarantine rows")
	}
	return len(victims), nil
}

// Row loads a committed row by identity key.
func (s *Store) Row(ctx context.Context, identityKey string) (*Row, error) {
	return scanRow(s.db.QueryRowContext(ctx, selectRow+` WHERE identity_key = ?`, identityKey), identityKey)
}

const selectRow = `
	SELECT identity_key, kind, source_object_id, source_row_num, business_key, parent_key,
		event_date, amount_cents, attributes, content_hash, committed_seq, created_at, updated_at
	FROM silver_rows`

func scanRow(r *sql.Row, identityKey string) (*Row, error) {
	var row Row
	var rowNum sql.NullInt64
	var businessKey, parentKey, attrs sql.NullString
	err := r.Scan(&row.IdentityKey, &row.Kind, &row.Lineage.SourceObjectID, &rowNum, &businessKey, &parentKey,
		&row.EventDate, &row.AmountCents, &attrs, &row.ContentHash, &row.CommittedSeq, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("silver row %s", identityKey)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan silver row")
	}
	if rowNum.Valid {
		n := int(rowNum.Int64)
		row.Lineage.SourceRowNum = &n
	}
	row.BusinessKey = businessKey.String
	row.ParentKey = parentKey.String
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &row.Attributes); err != nil {
			return nil, errors.Wrap(err, "failed to decode row attributes")
		}
	}
	return &row, nil
}

// RowsForBucket returns the committed rows behind one aggregate bucket,
// ordered by business key for stable output.
func (s *Store) RowsForBucket(ctx context.Context, bucketDate string, kind Kind, dimension string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, selectRow+`
		WHERE event_date = ? AND kind = ? AND COALESCE(parent_key, '') = ?
		ORDER BY business_key ASC`, bucketDate, kind, dimension)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bucket rows")
	}
	return collectRows(rows)
}

// RowsBySource returns the committed rows produced from one raw object.
func (s *Store) RowsBySource(ctx context.Context, objectID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, selectRow+` WHERE source_object_id = ? ORDER BY source_row_num ASC`, objectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rows by source")
	}
	return collectRows(rows)
}

func collectRows(rows *sql.Rows) ([]*Row, error) {
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		var row Row
		var rowNum sql.NullInt64
		var businessKey, parentKey, attrs sql.NullString
		err := rows.Scan(&row.IdentityKey, &row.Kind, &row.Lineage.SourceObjectID, &rowNum, &businessKey, &parentKey,
			&row.EventDate, &row.AmountCents, &attrs, &row.ContentHash, &row.CommittedSeq, &row.CreatedAt, &row.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan silver row")
		}
		if rowNum.Valid {
			n := int(rowNum.Int64)
			row.Lineage.SourceRowNum = &n
		}
		row.BusinessKey = businessKey.String
		row.ParentKey = parentKey.String
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &row.Attributes); err != nil {
				return nil, errors.Wrap(err, "failed to decode row attributes")
			}
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating silver rows")
	}
	return out, nil
}

// Quarantined returns quarantine records, optionally filtered by source
// object (empty objectID means all).
func (s *Store) Quarantined(ctx context.Context, objectID string) ([]*QuarantineRecord, error) {
	query := `SELECT identity_key, kind, source_object_id, source_row_num, reasons, created_at FROM quarantine_rows`
	args := []any{}
	if objectID != "" {
		query += ` WHERE source_object_id = ?`
		args = append(args, objectID)
	}
	query += ` ORDER BY created_at ASC, identity_key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query quarantine rows")
	}
	defer rows.Close()

	var out []*QuarantineRecord
	for rows.Next() {
		var rec QuarantineRecord
		var rowNum sql.NullInt64
		var reasons string
		if err := rows.Scan(&rec.IdentityKey, &rec.Kind, &rec.Lineage.SourceObjectID, &rowNum, &reasons, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan quarantine row")
		}
		if rowNum.Valid {
			n := int(rowNum.Int64)
			rec.Lineage.SourceRowNum = &n
		}
		if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
			return nil, errors.Wrap(err, "failed to decode quarantine reasons")
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating quarantine rows")
	}
	return out, nil
}

// SourcesWithReason lists distinct raw objects that currently have
// quarantined rows carrying the given reason code. Used to find objects
// eligible for re-evaluation once their references have arrived.
func (s *Store) SourcesWithReason(ctx context.Context, code string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT source_object_id FROM quarantine_rows
		WHERE reasons LIKE ? ORDER BY source_object_id`, `%"`+code+`"%`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query quarantine sources")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan source id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BusinessKeyExistsTx reports whether a committed row of the given kind and
// business key exists, reading through the caller's transaction so the gate
// sees exactly the committed state the transform started from.
func (s *Store) BusinessKeyExistsTx(ctx context.Context, tx *sql.Tx, kind Kind, businessKey string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM silver_rows WHERE kind = ? AND business_key = ? LIMIT 1`, kind, businessKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check business key")
	}
	return true, nil
}

// CountsByKind returns committed row counts per kind.
func (s *Store) CountsByKind(ctx context.Context) (map[Kind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM silver_rows GROUP BY kind`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count silver rows")
	}
	defer rows.Close()

	counts := make(map[Kind]int64)
	for rows.Next() {
		var kind Kind
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan count")
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

func marshalAttributes(attrs map[string]string) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal row attributes")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
