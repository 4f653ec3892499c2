package gold

import (
	"context"
	"database/sql"
	"testing"
	"time"

	qtest "github.com/evidentia/evidentia/internal/testing"
	"github.com/evidentia/evidentia/silver"
)

func seedObject(t *testing.T, database *sql.DB, id string) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO raw_objects (id, digest, size, content_type, source_label, logical_name, version, corrupt, received_at)
		VALUES (?, 'd', 1, 'text/csv', 'src', ?, 1, 0, ?)`, id, id+".csv", time.Now().UTC())
	if err != nil {
		t.Fatalf("seed raw object: %v", err)
	}
}

func commitRow(t *testing.T, database *sql.DB, store *silver.Store, kind silver.Kind, businessKey, parentKey, date string, cents int64) {
	t.Helper()
	tx, err := database.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	seq, err := store.NextSeqTx(context.Background(), tx)
	if err != nil {
		t.Fatalf("NextSeqTx() error: %v", err)
	}
	row := &silver.Row{
		IdentityKey:  silver.NaturalIdentityKey(kind, businessKey),
		Kind:         kind,
		Lineage:      silver.Lineage{SourceObjectID: "obj-1"},
		BusinessKey:  businessKey,
		ParentKey:    parentKey,
		EventDate:    date,
		AmountCents:  cents,
		ContentHash:  silver.ContentHash(kind, businessKey, parentKey, date, cents, nil),
		CommittedSeq: seq,
	}
	if _, err := store.UpsertRowTx(context.Background(), tx, row); err != nil {
		t.Fatalf("UpsertRowTx() error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestFullRecomputeAggregates(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := silver.NewStore(database, nil)
	seedObject(t, database, "obj-1")
	engine := NewEngine(database, nil)
	ctx := context.Background()

	commitRow(t, database, store, silver.KindDisbursement, "D-1", "A-1", "2024-02-01", 500)
	commitRow(t, database, store, silver.KindDisbursement, "D-2", "A-1", "2024-02-01", 300)
	commitRow(t, database, store, silver.KindDisbursement, "D-3", "A-2", "2024-02-01", 100)

	written, err := engine.RecomputeFull(ctx)
	if err != nil {
		t.Fatalf("RecomputeFull() error: %v", err)
	}
	if written != 2 {
		t.Errorf("aggregates written = %d, want 2 (one per dimension)", written)
	}

	agg, err := engine.Aggregate(ctx, "2024-02-01", "disbursement", "A-1")
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if agg.RowCount != 2 || agg.TotalAmountCents != 800 {
		t.Errorf("A-1 bucket = %d rows / %d cents, want 2/800", agg.RowCount, agg.TotalAmountCents)
	}
}

func TestIncrementalMatchesFullRecompute(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := silver.NewStore(database, nil)
	seedObject(t, database, "obj-1")
	engine := NewEngine(database, nil)
	ctx := context.Background()

	commitRow(t, database, store, silver.KindAward, "A-1", "", "2024-01-15", 100000)
	commitRow(t, database, store, silver.KindDisbursement, "D-1", "A-1", "2024-02-01", 500)
	if _, err := engine.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("first incremental: %v", err)
	}

	// More rows land; only their buckets should be dirty.
	commitRow(t, database, store, silver.KindDisbursement, "D-2", "A-1", "2024-02-01", 250)
	commitRow(t, database, store, silver.KindDisbursement, "D-3", "A-1", "2024-02-05", 900)
	buckets, err := engine.RecomputeIncremental(ctx)
	if err != nil {
		t.Fatalf("second incremental: %v", err)
	}
	if buckets != 2 {
		t.Errorf("recomputed buckets = %d, want 2", buckets)
	}

	incremental, err := engine.Aggregates(ctx, "", "", "")
	if err != nil {
		t.Fatalf("Aggregates() error: %v", err)
	}

	// A full rebuild over the same silver state must agree cell for cell.
	if _, err := engine.RecomputeFull(ctx); err != nil {
		t.Fatalf("RecomputeFull() error: %v", err)
	}
	full, err := engine.Aggregates(ctx, "", "", "")
	if err != nil {
		t.Fatalf("Aggregates() error: %v", err)
	}

	if len(incremental) != len(full) {
		t.Fatalf("incremental has %d cells, full has %d", len(incremental), len(full))
	}
	for i := range full {
		a, b := incremental[i], full[i]
		if a.BucketDate != b.BucketDate || a.Kind != b.Kind || a.Dimension != b.Dimension ||
			a.RowCount != b.RowCount || a.TotalAmountCents != b.TotalAmountCents {
			t.Errorf("cell %d diverged: incremental %+v vs full %+v", i, a, b)
		}
	}
}

func TestEmptiedBucketDisappears(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := silver.NewStore(database, nil)
	seedObject(t, database, "obj-1")
	engine := NewEngine(database, nil)
	ctx := context.Background()

	commitRow(t, database, store, silver.KindAward, "A-1", "", "2024-01-15", 100000)
	if _, err := engine.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("incremental: %v", err)
	}

	// The row later fails the gate and leaves silver.
	tx, err := database.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = store.QuarantineTx(ctx, tx, &silver.QuarantineRecord{
		IdentityKey: silver.NaturalIdentityKey(silver.KindAward, "A-1"),
		Kind:        silver.KindAward,
		Lineage:     silver.Lineage{SourceObjectID: "obj-1"},
		Reasons:     []silver.Reason{{Code: "invalid_date", Detail: "x"}},
	})
	if err != nil {
		t.Fatalf("QuarantineTx() error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := engine.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("incremental after eviction: %v", err)
	}
	if _, err := engine.Aggregate(ctx, "2024-01-15", "award", ""); err == nil {
		t.Error("bucket with no silver rows should disappear")
	}
}

func TestWatermarkAdvances(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := silver.NewStore(database, nil)
	seedObject(t, database, "obj-1")
	engine := NewEngine(database, nil)
	ctx := context.Background()

	wm, err := engine.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark() error: %v", err)
	}
	if wm != 0 {
		t.Fatalf("initial watermark = %d, want 0", wm)
	}

	commitRow(t, database, store, silver.KindAward, "A-1", "", "2024-01-15", 100000)
	commitRow(t, database, store, silver.KindAward, "A-2", "", "2024-01-15", 200000)
	if _, err := engine.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("incremental: %v", err)
	}

	wm, err = engine.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark() error: %v", err)
	}
	if wm != 2 {
		t.Errorf("watermark = %d, want 2", wm)
	}
}

func TestVerifyConvergenceDetectsDrift(t *testing.T) {
	database := qtest.CreateTestDB(t)
	store := silver.NewStore(database, nil)
	seedObject(t, database, "obj-1")
	engine := NewEngine(database, nil)
	ctx := context.Background()

	commitRow(t, database, store, silver.KindAward, "A-1", "", "2024-01-15", 100000)
	if _, err := engine.RecomputeFull(ctx); err != nil {
		t.Fatalf("RecomputeFull() error: %v", err)
	}

	divergent, err := engine.VerifyConvergence(ctx)
	if err != nil {
		t.Fatalf("VerifyConvergence() error: %v", err)
	}
	if divergent != 0 {
		t.Fatalf("divergent cells = %d, want 0", divergent)
	}

	// Tamper with a stored total.
	if _, err := database.Exec(`UPDATE gold_aggregates SET total_amount_cents = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	divergent, err = engine.VerifyConvergence(ctx)
	if err != nil {
		t.Fatalf("VerifyConvergence() error: %v", err)
	}
	if divergent != 1 {
		t.Errorf("divergent cells = %d, want 1", divergent)
	}
}
