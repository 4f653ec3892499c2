package pipeline

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/evidentia/evidentia/errors"
)

// RunStore persists pipeline runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a run. Inserting a running run while another run of the
// same logical ID is running violates the partial unique index and returns
// ErrRunConflict; the database is the arbiter, so two racing starters
// cannot both win.
func (s *RunStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, logical_id, status, scope, objects_processed, rows_accepted,
			rows_quarantined, retry_count, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.LogicalID, run.Status, run.Scope, run.ObjectsProcessed, run.RowsAccepted,
		run.RowsQuarantined, run.RetryCount, run.Error, run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(errors.ErrRunConflict, "a run for %q is already running", run.LogicalID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create run %s", run.ID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	// Driver versions differ in how they surface constraint codes.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpdateRun persists a run's mutable fields.
func (s *RunStore) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = ?, objects_processed = ?, rows_accepted = ?,
			rows_quarantined = ?, retry_count = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		run.Status, run.ObjectsProcessed, run.RowsAccepted, run.RowsQuarantined,
		run.RetryCount, run.Error, run.StartedAt, run.CompletedAt, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("run %s", run.ID)
	}
	return nil
}

const selectRun = `
	SELECT id, logical_id, status, scope, objects_processed, rows_accepted, rows_quarantined,
		retry_count, error, started_at, completed_at, created_at, updated_at
	FROM pipeline_runs`

// GetRun loads one run by ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	return run, err
}

// LatestRun loads the most recent run for a logical ID, or NotFound.
func (s *RunStore) LatestRun(ctx context.Context, logicalID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		selectRun+` WHERE logical_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, logicalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no runs for %q", logicalID)
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by logical ID.
func (s *RunStore) ListRuns(ctx context.Context, logicalID string, limit int) ([]*Run, error) {
	query := selectRun
	var args []any
	if logicalID != "" {
		query += ` WHERE logical_id = ?`
		args = append(args, logicalID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r *sql.Row) (*Run, error) {
	return scanRunFrom(r)
}

func scanRunRows(r *sql.Rows) (*Run, error) {
	return scanRunFrom(r)
}

func scanRunFrom(r rowScanner) (*Run, error) {
	var run Run
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.Scan(&run.ID, &run.LogicalID, &run.Status, &run.Scope, &run.ObjectsProcessed,
		&run.RowsAccepted, &run.RowsQuarantined, &run.RetryCount, &errMsg,
		&startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}
	run.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}
