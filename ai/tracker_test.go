package ai

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUsageTrackerStart(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO ai_model_usage").
		WithArgs("extract", "bundle", "bundle-1", "model-x", "provider-y", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))

	tracker := NewUsageTracker(db, nil)
	id, err := tracker.Start(context.Background(), "extract", "bundle", "bundle-1", "model-x", "provider-y")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if id != 7 {
		t.Errorf("usage id = %d, want 7", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUsageTrackerCompleteAndFail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE ai_model_usage SET response_timestamp").
		WithArgs(sqlmock.AnyArg(), 1234, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ai_model_usage SET response_timestamp").
		WithArgs(sqlmock.AnyArg(), "model timed out", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tracker := NewUsageTracker(db, nil)
	if err := tracker.Complete(context.Background(), 7, 1234); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if err := tracker.Fail(context.Background(), 8, "model timed out"); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUsageStatsByModel(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"model_name", "count", "successes", "tokens"}).
		AddRow("model-x", 10, 9, 50000).
		AddRow("model-y", 2, 2, 800)
	mock.ExpectQuery("SELECT model_name, COUNT").WillReturnRows(rows)

	tracker := NewUsageTracker(db, nil)
	stats, err := tracker.StatsByModel(context.Background())
	if err != nil {
		t.Fatalf("StatsByModel() error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %d models, want 2", len(stats))
	}
	if stats[0].ModelName != "model-x" || stats[0].Successes != 9 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
}
