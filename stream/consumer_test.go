package stream

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/evidentia/evidentia/gold"
	qtest "github.com/evidentia/evidentia/internal/testing"
	"github.com/evidentia/evidentia/ledger"
	"github.com/evidentia/evidentia/quality"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
	"github.com/evidentia/evidentia/transform"
)

type fixture struct {
	db       *sql.DB
	raw      *rawstore.Store
	store    *silver.Store
	engine   *transform.Engine
	gold     *gold.Engine
	consumer *Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := qtest.CreateTestDB(t)
	raw, err := rawstore.NewStore(database, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	store := silver.NewStore(database, nil)
	gate := quality.NewGate(quality.Thresholds{MaxAmountCents: 100_000_000_000, DateWindowYears: 30}, store, nil)
	engine := transform.NewEngine(database, raw, store, gate, nil)
	consumer, err := NewConsumer(context.Background(), database, ledger.New(database), raw, engine, nil)
	if err != nil {
		t.Fatalf("NewConsumer() error: %v", err)
	}
	return &fixture{
		db:       database,
		raw:      raw,
		store:    store,
		engine:   engine,
		gold:     gold.NewEngine(database, nil),
		consumer: consumer,
	}
}

// commitAward lands an award through the batch path so streamed child rows
// pass the reference check.
func (f *fixture) commitAward(t *testing.T, awardID string) {
	t.Helper()
	csv := fmt.Sprintf("award_id,recipient,event_date,amount\n%s,Acme,2024-01-15,1000.00\n", awardID)
	obj, err := f.raw.Put(context.Background(), []byte(csv), rawstore.Metadata{
		ContentType: "text/csv", SourceLabel: "grants", LogicalName: awardID + ".csv",
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, err := f.engine.TransformObject(context.Background(), obj.ID); err != nil {
		t.Fatalf("TransformObject() error: %v", err)
	}
}

func payment(eventID, awardID, date, amount string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"kind":"disbursement","award_id":%q,"event_date":%q,"amount":%s}`,
		eventID, awardID, date, amount))
}

func (f *fixture) silverCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM silver_rows WHERE kind = 'disbursement'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestRedeliveredOffsetHasNoSecondEffect(t *testing.T) {
	f := newFixture(t)
	f.commitAward(t, "A-1")
	ctx := context.Background()

	msg := Message{Topic: "payments", Partition: 0, Offset: 42, Payload: payment("E-1", "A-1", "2024-02-01", "500.00")}
	disp, err := f.consumer.OnMessage(ctx, msg)
	if err != nil {
		t.Fatalf("OnMessage() error: %v", err)
	}
	if disp != AckProcessed {
		t.Fatalf("disposition = %v, want AckProcessed", disp)
	}
	if f.silverCount(t) != 1 {
		t.Fatalf("disbursement rows = %d, want 1", f.silverCount(t))
	}

	// Broker redelivers the same offset.
	disp, err = f.consumer.OnMessage(ctx, msg)
	if err != nil {
		t.Fatalf("redelivery OnMessage() error: %v", err)
	}
	if disp != AckDuplicate {
		t.Errorf("redelivery disposition = %v, want AckDuplicate", disp)
	}
	if f.silverCount(t) != 1 {
		t.Errorf("disbursement rows after redelivery = %d, want 1", f.silverCount(t))
	}

	// The redelivery must not archive a second raw version, and the one
	// archived object is consumed here, never pending for the batch path.
	versions, err := f.raw.Versions(ctx, "payments", "payments-0-42.json")
	if err != nil {
		t.Fatalf("Versions() error: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("archived versions after redelivery = %d, want 1", len(versions))
	}
	var pending int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM raw_objects WHERE transformed_at IS NULL`).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending raw objects = %d, want 0", pending)
	}

	// Gold sees the event exactly once.
	if _, err := f.gold.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("RecomputeIncremental() error: %v", err)
	}
	agg, err := f.gold.Aggregate(ctx, "2024-02-01", "disbursement", "A-1")
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if agg.RowCount != 1 || agg.TotalAmountCents != 50000 {
		t.Errorf("aggregate = %d rows / %d cents, want 1/50000", agg.RowCount, agg.TotalAmountCents)
	}
}

func TestSameEventAtNewOffsetConvergesByIdentityKey(t *testing.T) {
	f := newFixture(t)
	f.commitAward(t, "A-1")
	ctx := context.Background()

	body := payment("E-1", "A-1", "2024-02-01", "500.00")
	if _, err := f.consumer.OnMessage(ctx, Message{Topic: "payments", Partition: 0, Offset: 1, Payload: body}); err != nil {
		t.Fatalf("first OnMessage() error: %v", err)
	}

	// Upstream replays the same business event at a fresh offset. The
	// identity key, not the offset, decides: one row.
	disp, err := f.consumer.OnMessage(ctx, Message{Topic: "payments", Partition: 0, Offset: 2, Payload: body})
	if err != nil {
		t.Fatalf("replay OnMessage() error: %v", err)
	}
	if disp != AckProcessed {
		t.Errorf("replay disposition = %v, want AckProcessed", disp)
	}
	if f.silverCount(t) != 1 {
		t.Errorf("disbursement rows = %d, want 1", f.silverCount(t))
	}
}

func TestMalformedPayloadIsQuarantinedNotRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	disp, err := f.consumer.OnMessage(ctx, Message{Topic: "payments", Partition: 0, Offset: 7, Payload: []byte("not json")})
	if err != nil {
		t.Fatalf("OnMessage() error: %v", err)
	}
	if disp != AckProcessed {
		t.Fatalf("disposition = %v, want AckProcessed (poison message must not loop)", disp)
	}

	recs, err := f.store.Quarantined(ctx, "")
	if err != nil {
		t.Fatalf("Quarantined() error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("quarantine records = %d, want 1", len(recs))
	}

	// And the offset is settled: redelivery is a duplicate.
	disp, err = f.consumer.OnMessage(ctx, Message{Topic: "payments", Partition: 0, Offset: 7, Payload: []byte("not json")})
	if err != nil {
		t.Fatalf("redelivery OnMessage() error: %v", err)
	}
	if disp != AckDuplicate {
		t.Errorf("redelivery disposition = %v, want AckDuplicate", disp)
	}
}

func TestInterleavedBackfillAndStreamingConverge(t *testing.T) {
	f := newFixture(t)
	f.commitAward(t, "A-1")
	ctx := context.Background()

	// Backfill batch and live events touch the same dates, interleaved with
	// incremental recomputes.
	batch, err := f.raw.Put(ctx, []byte(`disbursement_id,award_id,event_date,amount
D-1,A-1,2024-02-01,100.00
D-2,A-1,2024-02-02,200.00
`), rawstore.Metadata{ContentType: "text/csv", SourceLabel: "backfill", LogicalName: "feb.csv"})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if _, err := f.consumer.OnMessage(ctx, Message{Topic: "payments", Partition: 0, Offset: 1, Payload: payment("E-1", "A-1", "2024-02-01", "50.00")}); err != nil {
		t.Fatalf("stream 1: %v", err)
	}
	if _, err := f.gold.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("incremental 1: %v", err)
	}
	if _, err := f.engine.TransformObject(ctx, batch.ID); err != nil {
		t.Fatalf("backfill transform: %v", err)
	}
	if _, err := f.consumer.OnMessage(ctx, Message{Topic: "payments", Partition: 1, Offset: 1, Payload: payment("E-2", "A-1", "2024-02-02", "75.00")}); err != nil {
		t.Fatalf("stream 2: %v", err)
	}
	if _, err := f.gold.RecomputeIncremental(ctx); err != nil {
		t.Fatalf("incremental 2: %v", err)
	}

	// The interleaved state must match a from-scratch full recompute.
	divergent, err := f.gold.VerifyConvergence(ctx)
	if err != nil {
		t.Fatalf("VerifyConvergence() error: %v", err)
	}
	if divergent != 0 {
		t.Errorf("divergent cells = %d, want 0", divergent)
	}

	agg, err := f.gold.Aggregate(ctx, "2024-02-01", "disbursement", "A-1")
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if agg.RowCount != 2 || agg.TotalAmountCents != 15000 {
		t.Errorf("2024-02-01 = %d rows / %d cents, want 2/15000", agg.RowCount, agg.TotalAmountCents)
	}
}
