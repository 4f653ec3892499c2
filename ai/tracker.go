package ai

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
)

// UsageTracker records every external model call: who was asked, about
// what, and whether it worked. Findings are only as trustworthy as the
// calls that produced them, so the call record is part of the audit trail.
type UsageTracker struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewUsageTracker creates a usage tracker.
func NewUsageTracker(db *sql.DB, logger *zap.SugaredLogger) *UsageTracker {
	return &UsageTracker{db: db, logger: logger}
}

// Start records the beginning of a capability call and returns the usage
// row ID for completion.
func (t *UsageTracker) Start(ctx context.Context, operationType, entityType, entityID, modelName, provider string) (int64, error) {
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO ai_model_usage (operation_type, entity_type, entity_id, model_name, model_provider, request_timestamp, success)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		operationType, entityType, entityID, modelName, provider, time.Now().UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to record usage start")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get usage row id")
	}
	return id, nil
}

// Complete marks a call successful with its token count.
func (t *UsageTracker) Complete(ctx context.Context, id int64, tokensUsed int) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE ai_model_usage SET response_timestamp = ?, tokens_used = ?, success = 1 WHERE id = ?`,
		time.Now().UTC(), tokensUsed, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record usage completion")
	}
	return nil
}

// Fail marks a call failed with its error message.
func (t *UsageTracker) Fail(ctx context.Context, id int64, errorMessage string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE ai_model_usage SET response_timestamp = ?, success = 0, error_message = ? WHERE id = ?`,
		time.Now().UTC(), errorMessage, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record usage failure")
	}
	return nil
}

// UsageStats summarizes capability calls for one model.
type UsageStats struct {
	ModelName   string `json:"model_name"`
	Calls       int64  `json:"calls"`
	Successes   int64  `json:"successes"`
	TokensTotal int64  `json:"tokens_total"`
}

// StatsByModel aggregates usage per model name.
func (t *UsageTracker) StatsByModel(ctx context.Context) ([]UsageStats, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT model_name, COUNT(*), SUM(success), COALESCE(SUM(tokens_used), 0)
		FROM ai_model_usage GROUP BY model_name ORDER BY model_name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}
	defer rows.Close()

	var out []UsageStats
	for rows.Next() {
		var s UsageStats
		if err := rows.Scan(&s.ModelName, &s.Calls, &s.Successes, &s.TokensTotal); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage stats")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
