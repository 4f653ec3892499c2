// Package silver holds the normalized row model: typed business rows with
// deterministic identity keys, lineage pointers back to raw evidence, and a
// content hash that makes re-transforms idempotent.
package silver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the business row types the engine normalizes.
type Kind string

const (
	KindAward        Kind = "award"
	KindObligation   Kind = "obligation"
	KindDrawdown     Kind = "drawdown"
	KindDisbursement Kind = "disbursement"
	KindInvoice      Kind = "invoice"
	KindLineItem     Kind = "line_item"
	KindDocument     Kind = "document"
)

// Kinds lists every row kind, in display order.
func Kinds() []Kind {
	return []Kind{KindAward, KindObligation, KindDrawdown, KindDisbursement, KindInvoice, KindLineItem, KindDocument}
}

// Lineage points a normalized row back at the exact raw object (and row
// within it, for tabular sources) it was computed from.
type Lineage struct {
	SourceObjectID string `json:"source_object_id"`
	// SourceRowNum is the 1-based data row number within a tabular source;
	// nil for non-tabular sources.
	SourceRowNum *int `json:"source_row_num,omitempty"`
}

// Row is one committed normalized row.
type Row struct {
	IdentityKey  string            `json:"identity_key"`
	Kind         Kind              `json:"kind"`
	Lineage      Lineage           `json:"lineage"`
	BusinessKey  string            `json:"business_key"`
	ParentKey    string            `json:"parent_key,omitempty"`
	EventDate    string            `json:"event_date"` // YYYY-MM-DD
	AmountCents  int64             `json:"amount_cents"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ContentHash  string            `json:"content_hash"`
	CommittedSeq int64             `json:"committed_seq"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Reason is one quarantine reason attached to a rejected row.
type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// QuarantineRecord is a rejected row held outside the silver tables. For a
// given identity key, a record lives either here or in silver, never both.
type QuarantineRecord struct {
	IdentityKey string    `json:"identity_key"`
	Kind        Kind      `json:"kind"`
	Lineage     Lineage   `json:"lineage"`
	Reasons     []Reason  `json:"reasons"`
	CreatedAt   time.Time `json:"created_at"`
}

// Candidate is a parsed-but-not-yet-gated row. Fields that require
// validation stay raw so the quality gate can report exactly what was wrong.
type Candidate struct {
	Kind        Kind
	IdentityKey string
	Lineage     Lineage
	BusinessKey string
	ParentKey   string
	EventDate   string // raw value as found in the source
	Amount      string // raw value as found in the source
	Attributes  map[string]string
}

// TabularIdentityKey derives the identity key for a row of a tabular source.
// It hashes the logical source coordinates rather than the object UUID so
// that re-ingesting the same export produces the same keys and the transform
// converges instead of duplicating.
func TabularIdentityKey(sourceLabel, logicalName string, rowNum int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("tab\x00%s\x00%s\x00%d", sourceLabel, logicalName, rowNum)))
	return hex.EncodeToString(sum[:])
}

// NaturalIdentityKey derives the identity key for a non-tabular row from its
// business identity.
func NaturalIdentityKey(kind Kind, businessKey string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("nat\x00%s\x00%s", kind, businessKey)))
	return hex.EncodeToString(sum[:])
}

// contentFields is the canonical hashable projection of a row. Field order
// is fixed; map keys are sorted by the JSON encoder.
type contentFields struct {
	Kind        Kind              `json:"kind"`
	BusinessKey string            `json:"business_key"`
	ParentKey   string            `json:"parent_key"`
	EventDate   string            `json:"event_date"`
	AmountCents int64             `json:"amount_cents"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ContentHash hashes the business content of a row. Two rows with the same
// hash are interchangeable for upsert purposes regardless of which source
// version produced them.
func ContentHash(kind Kind, businessKey, parentKey, eventDate string, amountCents int64, attributes map[string]string) string {
	payload, err := json.Marshal(contentFields{
		Kind:        kind,
		BusinessKey: businessKey,
		ParentKey:   parentKey,
		EventDate:   eventDate,
		AmountCents: amountCents,
		Attributes:  attributes,
	})
	if err != nil {
		// Marshaling a map[string]string cannot fail; keep the signature clean.
		panic(err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
