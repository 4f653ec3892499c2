package lineage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/evidentia/evidentia/errors"
	qtest "github.com/evidentia/evidentia/internal/testing"
	"github.com/evidentia/evidentia/quality"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
	"github.com/evidentia/evidentia/transform"
)

type fixture struct {
	db       *sql.DB
	raw      *rawstore.Store
	root     string
	store    *silver.Store
	engine   *transform.Engine
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := qtest.CreateTestDB(t)
	root := t.TempDir()
	raw, err := rawstore.NewStore(database, root, nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	store := silver.NewStore(database, nil)
	gate := quality.NewGate(quality.Thresholds{MaxAmountCents: 100_000_000_000, DateWindowYears: 30}, store, nil)
	return &fixture{
		db:       database,
		raw:      raw,
		root:     root,
		store:    store,
		engine:   transform.NewEngine(database, raw, store, gate, nil),
		resolver: NewResolver(database, raw, store, nil),
	}
}

func (f *fixture) ingestAndTransform(t *testing.T, name, content string) *rawstore.RawObject {
	t.Helper()
	obj, err := f.raw.Put(context.Background(), []byte(content), rawstore.Metadata{
		ContentType: "text/csv", SourceLabel: "grants", LogicalName: name,
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, err := f.engine.TransformObject(context.Background(), obj.ID); err != nil {
		t.Fatalf("TransformObject() error: %v", err)
	}
	return obj
}

func TestResolveAggregateWalksToVerifiedEvidence(t *testing.T) {
	f := newFixture(t)
	obj := f.ingestAndTransform(t, "awards.csv",
		"award_id,recipient,event_date,amount\nA-1,Acme,2024-01-15,1000.00\nA-2,Widget,2024-01-15,2000.00\n")

	chain, err := f.resolver.ResolveAggregate(context.Background(), "2024-01-15", "award", "")
	if err != nil {
		t.Fatalf("ResolveAggregate() error: %v", err)
	}
	if len(chain.Rows) != 2 {
		t.Fatalf("chain rows = %d, want 2", len(chain.Rows))
	}
	if len(chain.Objects) != 1 {
		t.Fatalf("chain objects = %d, want 1", len(chain.Objects))
	}
	if chain.Objects[0].ObjectID != obj.ID || chain.Objects[0].Digest != obj.Digest {
		t.Errorf("chain object = %+v, want %s/%s", chain.Objects[0], obj.ID, obj.Digest)
	}
	if chain.Rows[0].SourceRowNum == nil {
		t.Error("tabular row missing source row number")
	}
}

func TestResolveRowCarriesLineagePointer(t *testing.T) {
	f := newFixture(t)
	f.ingestAndTransform(t, "awards.csv", "award_id,recipient,event_date,amount\nA-1,Acme,2024-01-15,1000.00\n")

	key := silver.TabularIdentityKey("grants", "awards.csv", 1)
	chain, err := f.resolver.ResolveRow(context.Background(), key)
	if err != nil {
		t.Fatalf("ResolveRow() error: %v", err)
	}
	if len(chain.Rows) != 1 || chain.Rows[0].BusinessKey != "A-1" {
		t.Fatalf("chain = %+v, want single A-1 row", chain.Rows)
	}
}

func TestResolutionThroughCorruptEvidenceFails(t *testing.T) {
	f := newFixture(t)
	obj := f.ingestAndTransform(t, "awards.csv", "award_id,recipient,event_date,amount\nA-1,Acme,2024-01-15,1000.00\n")

	// Tamper with the stored bytes behind the digest.
	blob := filepath.Join(f.root, obj.Digest[0:2], obj.Digest[2:4], obj.Digest)
	if err := os.WriteFile(blob, []byte("tampered"), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := f.resolver.ResolveAggregate(context.Background(), "2024-01-15", "award", "")
	if !errors.IsIntegrityError(err) {
		t.Fatalf("ResolveAggregate() = %v, want ErrIntegrity", err)
	}

	// The failure is sticky: the object is flagged and later resolutions
	// fail even after the original bytes come back.
	original := "award_id,recipient,event_date,amount\nA-1,Acme,2024-01-15,1000.00\n"
	if err := os.WriteFile(blob, []byte(original), 0644); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := f.resolver.ResolveRow(context.Background(), silver.TabularIdentityKey("grants", "awards.csv", 1)); !errors.IsIntegrityError(err) {
		t.Fatalf("ResolveRow() = %v, want ErrIntegrity", err)
	}
}

func TestResolveUnknownTargetsReturnNotFound(t *testing.T) {
	f := newFixture(t)

	if _, err := f.resolver.ResolveAggregate(context.Background(), "2030-01-01", "award", ""); !errors.IsNotFoundError(err) {
		t.Errorf("ResolveAggregate() = %v, want NotFound", err)
	}
	if _, err := f.resolver.ResolveFinding(context.Background(), "nope"); !errors.IsNotFoundError(err) {
		t.Errorf("ResolveFinding() = %v, want NotFound", err)
	}
}
