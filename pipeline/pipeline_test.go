package pipeline

import (
	"context"
	"testing"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/gold"
	qtest "github.com/evidentia/evidentia/internal/testing"
	"github.com/evidentia/evidentia/quality"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
	"github.com/evidentia/evidentia/transform"
)

func TestSecondConcurrentStartIsRejected(t *testing.T) {
	database := qtest.CreateTestDB(t)
	tracker := NewTracker(NewRunStore(database), nil)
	ctx := context.Background()

	first, err := tracker.Start(ctx, "nightly", ScopeIncremental)
	if err != nil {
		t.Fatalf("first Start() error: %v", err)
	}

	if _, err := tracker.Start(ctx, "nightly", ScopeIncremental); !errors.IsRunConflict(err) {
		t.Fatalf("second Start() = %v, want ErrRunConflict", err)
	}

	// A different logical pipeline is unaffected.
	if _, err := tracker.Start(ctx, "weekly", ScopeFull); err != nil {
		t.Fatalf("unrelated Start() error: %v", err)
	}

	// Once the run finishes, the logical ID frees up.
	if err := tracker.Finish(ctx, first, nil); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if _, err := tracker.Start(ctx, "nightly", ScopeIncremental); err != nil {
		t.Fatalf("Start() after finish error: %v", err)
	}
}

func TestFailedRunStartsRetryChain(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := NewRunStore(database)
	tracker := NewTracker(store, nil)
	ctx := context.Background()

	run, err := tracker.Start(ctx, "nightly", ScopeIncremental)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := tracker.Finish(ctx, run, errors.New("object exploded")); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	retry, err := tracker.Start(ctx, "nightly", ScopeIncremental)
	if err != nil {
		t.Fatalf("retry Start() error: %v", err)
	}
	if retry.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", retry.RetryCount)
	}

	prev, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if prev.Status != StatusRetrying {
		t.Errorf("previous run status = %s, want retrying", prev.Status)
	}
	if prev.Error == "" {
		t.Error("failed run lost its error message")
	}
}

func TestCancelledRunIsRecorded(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := NewRunStore(database)
	tracker := NewTracker(store, nil)
	ctx := context.Background()

	run, err := tracker.Start(ctx, "nightly", ScopeIncremental)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := tracker.Finish(ctx, run, context.Canceled); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("cancelled run missing completion time")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := NewRunStore(database)
	tracker := NewTracker(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run, err := tracker.Start(ctx, "nightly", ScopeIncremental)
		if err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if err := tracker.Finish(ctx, run, nil); err != nil {
			t.Fatalf("Finish() error: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, "nightly", 2)
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() = %d runs, want 2", len(runs))
	}
}

func TestRunTransformEndToEnd(t *testing.T) {
	database := qtest.CreateTestDB(t)
	raw, err := rawstore.NewStore(database, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	silverStore := silver.NewStore(database, nil)
	gate := quality.NewGate(quality.Thresholds{MaxAmountCents: 100_000_000_000, DateWindowYears: 30}, silverStore, nil)
	engine := transform.NewEngine(database, raw, silverStore, gate, nil)
	goldEngine := gold.NewEngine(database, nil)
	orch := NewOrchestrator(database, NewTracker(NewRunStore(database), nil), engine, goldEngine, 100, nil)
	ctx := context.Background()

	_, err = raw.Put(ctx, []byte("award_id,recipient,event_date,amount\nA-1,Acme,2024-01-15,1000.00\nA-2,Widget,2024-01-15,2000.00\n"),
		rawstore.Metadata{ContentType: "text/csv", SourceLabel: "grants", LogicalName: "awards.csv"})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	run, err := orch.RunTransform(ctx, "nightly", ScopeIncremental)
	if err != nil {
		t.Fatalf("RunTransform() error: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if run.ObjectsProcessed != 1 || run.RowsAccepted != 2 {
		t.Errorf("run counters = %d objects / %d accepted, want 1/2", run.ObjectsProcessed, run.RowsAccepted)
	}

	agg, err := goldEngine.Aggregate(ctx, "2024-01-15", "award", "")
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if agg.RowCount != 2 || agg.TotalAmountCents != 300000 {
		t.Errorf("aggregate = %d rows / %d cents, want 2/300000", agg.RowCount, agg.TotalAmountCents)
	}

	// A second run over unchanged inputs changes nothing.
	again, err := orch.RunTransform(ctx, "nightly", ScopeIncremental)
	if err != nil {
		t.Fatalf("second RunTransform() error: %v", err)
	}
	if again.ObjectsProcessed != 0 {
		t.Errorf("second run processed %d objects, want 0", again.ObjectsProcessed)
	}
}
