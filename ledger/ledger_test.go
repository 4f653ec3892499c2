package ledger

import (
	"context"
	"testing"
	"time"

	qtest "github.com/evidentia/evidentia/internal/testing"
)

func TestClaimThenCommit(t *testing.T) {
	database := qtest.CreateTestDB(t)
	l := New(database)
	ctx := context.Background()

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}

	res, err := l.TryClaim(ctx, tx, "disbursements", 0, 42)
	if err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if !res.Claimed || res.AlreadyProcessed {
		t.Fatalf("first claim = %+v, want claimed", res)
	}

	if err := l.Commit(ctx, tx, "disbursements", 0, 42); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("tx commit: %v", err)
	}

	committed, err := l.IsCommitted(ctx, "disbursements", 0, 42)
	if err != nil {
		t.Fatalf("IsCommitted() error: %v", err)
	}
	if !committed {
		t.Error("offset not committed after claim+commit")
	}
}

func TestRedeliveryOfCommittedOffsetIsDetected(t *testing.T) {
	database := qtest.CreateTestDB(t)
	l := New(database)
	ctx := context.Background()

	// First delivery.
	tx, _ := database.BeginTx(ctx, nil)
	if _, err := l.TryClaim(ctx, tx, "disbursements", 0, 42); err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if err := l.Commit(ctx, tx, "disbursements", 0, 42); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("tx commit: %v", err)
	}

	// Broker redelivers the same offset.
	tx2, _ := database.BeginTx(ctx, nil)
	defer tx2.Rollback()
	res, err := l.TryClaim(ctx, tx2, "disbursements", 0, 42)
	if err != nil {
		t.Fatalf("redelivery TryClaim() error: %v", err)
	}
	if !res.AlreadyProcessed || res.Claimed {
		t.Errorf("redelivery claim = %+v, want alreadyProcessed", res)
	}
}

func TestCrashBetweenClaimAndCommitLeavesKeyReusable(t *testing.T) {
	database := qtest.CreateTestDB(t)
	l := New(database)
	ctx := context.Background()

	// Simulated crash: claim, then roll the transaction back.
	tx, _ := database.BeginTx(ctx, nil)
	if _, err := l.TryClaim(ctx, tx, "payments", 1, 7); err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	tx.Rollback()

	// Retry must succeed as a fresh claim.
	tx2, _ := database.BeginTx(ctx, nil)
	res, err := l.TryClaim(ctx, tx2, "payments", 1, 7)
	if err != nil {
		t.Fatalf("retry TryClaim() error: %v", err)
	}
	if !res.Claimed || res.AlreadyProcessed {
		t.Errorf("retry claim = %+v, want claimed", res)
	}
	if err := l.Commit(ctx, tx2, "payments", 1, 7); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("tx commit: %v", err)
	}
}

func TestReclaimOfUncommittedDurableClaim(t *testing.T) {
	database := qtest.CreateTestDB(t)
	l := New(database)
	ctx := context.Background()

	// A claim that made it to disk but whose side effects were lost: the
	// row exists with committed = 0.
	if _, err := database.Exec(
		`INSERT INTO stream_offsets (topic, partition, msg_offset, committed, claimed_at) VALUES (?, ?, ?, 0, ?)`,
		"payments", 0, 9, time.Now().UTC().Add(-time.Hour),
	); err != nil {
		t.Fatalf("seed stale claim: %v", err)
	}

	tx, _ := database.BeginTx(ctx, nil)
	defer tx.Rollback()
	res, err := l.TryClaim(ctx, tx, "payments", 0, 9)
	if err != nil {
		t.Fatalf("TryClaim() error: %v", err)
	}
	if !res.Claimed {
		t.Errorf("uncommitted claim should be reusable, got %+v", res)
	}
}

func TestReleaseStale(t *testing.T) {
	database := qtest.CreateTestDB(t)
	l := New(database)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := database.Exec(
		`INSERT INTO stream_offsets (topic, partition, msg_offset, committed, claimed_at) VALUES
		 ('a', 0, 1, 0, ?), ('a', 0, 2, 1, ?), ('a', 0, 3, 0, ?)`,
		old, old, time.Now().UTC(),
	); err != nil {
		t.Fatalf("seed claims: %v", err)
	}

	released, err := l.ReleaseStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReleaseStale() error: %v", err)
	}
	if released != 1 {
		t.Errorf("released = %d, want 1 (only the old uncommitted claim)", released)
	}

	// The committed claim survives.
	committed, err := l.IsCommitted(ctx, "a", 0, 2)
	if err != nil {
		t.Fatalf("IsCommitted() error: %v", err)
	}
	if !committed {
		t.Error("committed claim was released")
	}
}
