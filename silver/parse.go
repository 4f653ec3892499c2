package silver

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/rawstore"
)

// schema describes how one row kind appears in a tabular export: which
// column carries the business key, which carries the parent reference, and
// which carry the event date and amount.
type schema struct {
	kind      Kind
	keyColumn string
	parentCol string
	dateCol   string
	amountCol string
}

// schemas maps the detecting ID column to the kind it implies. Detection
// order matters: line_item files also carry invoice_id, so line_item_id is
// checked first.
var schemas = []schema{
	{kind: KindLineItem, keyColumn: "line_item_id", parentCol: "invoice_id", dateCol: "event_date", amountCol: "amount"},
	{kind: KindInvoice, keyColumn: "invoice_id", parentCol: "award_id", dateCol: "event_date", amountCol: "amount"},
	{kind: KindObligation, keyColumn: "obligation_id", parentCol: "award_id", dateCol: "event_date", amountCol: "amount"},
	{kind: KindDrawdown, keyColumn: "drawdown_id", parentCol: "award_id", dateCol: "event_date", amountCol: "amount"},
	{kind: KindDisbursement, keyColumn: "disbursement_id", parentCol: "award_id", dateCol: "event_date", amountCol: "amount"},
	{kind: KindAward, keyColumn: "award_id", parentCol: "", dateCol: "event_date", amountCol: "amount"},
}

// detectSchema picks the row kind implied by a header row.
func detectSchema(header []string) (schema, bool) {
	cols := make(map[string]bool, len(header))
	for _, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for _, s := range schemas {
		if cols[s.keyColumn] {
			return s, true
		}
	}
	return schema{}, false
}

// ParseObject turns a raw object's bytes into gate-ready candidates.
//
// Tabular (CSV) sources yield one candidate per data row with an identity
// key derived from the logical source and row number. Any other content type
// yields a single document candidate keyed by its natural business identity.
// A structural failure (unreadable CSV, unrecognized columns) is an error
// for the whole object; per-row problems are left for the quality gate.
func ParseObject(obj *rawstore.RawObject, data []byte) ([]Candidate, error) {
	if !isTabular(obj.ContentType) {
		return []Candidate{documentCandidate(obj)}, nil
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "object %s: failed to read csv header", obj.ID)
	}
	sch, ok := detectSchema(header)
	if !ok {
		return nil, errors.Newf("object %s: unrecognized columns %v", obj.ID, header)
	}

	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var candidates []Candidate
	rowNum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "object %s: malformed csv near row %d", obj.ID, rowNum+1)
		}
		rowNum++

		field := func(col string) string {
			i, ok := colIdx[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		attrs := make(map[string]string)
		for name, i := range colIdx {
			if i >= len(record) {
				continue
			}
			switch name {
			case sch.keyColumn, sch.parentCol, sch.dateCol, sch.amountCol:
				continue
			}
			if v := strings.TrimSpace(record[i]); v != "" {
				attrs[name] = v
			}
		}
		if len(attrs) == 0 {
			attrs = nil
		}

		n := rowNum
		cand := Candidate{
			Kind:        sch.kind,
			IdentityKey: TabularIdentityKey(obj.SourceLabel, obj.LogicalName, n),
			Lineage:     Lineage{SourceObjectID: obj.ID, SourceRowNum: &n},
			BusinessKey: field(sch.keyColumn),
			EventDate:   field(sch.dateCol),
			Amount:      field(sch.amountCol),
			Attributes:  attrs,
		}
		if sch.parentCol != "" {
			cand.ParentKey = field(sch.parentCol)
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func isTabular(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "csv")
}

// documentCandidate maps a non-tabular object (contract PDF, scanned
// agreement) to a single document row keyed by its logical identity.
func documentCandidate(obj *rawstore.RawObject) Candidate {
	key := obj.SourceLabel + "/" + obj.LogicalName
	return Candidate{
		Kind:        KindDocument,
		IdentityKey: NaturalIdentityKey(KindDocument, key),
		Lineage:     Lineage{SourceObjectID: obj.ID},
		BusinessKey: key,
		EventDate:   obj.ReceivedAt.UTC().Format("2006-01-02"),
		Amount:      "0",
		Attributes: map[string]string{
			"content_type": obj.ContentType,
			"digest":       obj.Digest,
		},
	}
}
