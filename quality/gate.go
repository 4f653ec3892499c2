// Package quality is the validation gate between parsed candidates and
// committed silver rows. Every rule runs for every candidate; the verdict
// accumulates all violations instead of stopping at the first, so a
// quarantined row tells the operator everything that was wrong with it.
package quality

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/silver"
)

// ReasonCode is a closed enumeration of quarantine reasons.
type ReasonCode string

const (
	ReasonMissingField     ReasonCode = "missing_field"
	ReasonInvalidAmount    ReasonCode = "invalid_amount"
	ReasonNegativeAmount   ReasonCode = "negative_amount"
	ReasonAmountTooLarge   ReasonCode = "amount_too_large"
	ReasonInvalidDate      ReasonCode = "invalid_date"
	ReasonDateOutOfRange   ReasonCode = "date_out_of_range"
	ReasonMissingReference ReasonCode = "missing_reference"
	ReasonDuplicateInBatch ReasonCode = "duplicate_in_batch"
)

// Violation is one failed rule with enough detail to act on.
type Violation struct {
	Code   ReasonCode `json:"code"`
	Detail string     `json:"detail"`
}

// Verdict is the gate's decision for one candidate. When accepted, the
// parsed normalized values are carried along so the transform does not
// re-parse.
type Verdict struct {
	Violations  []Violation
	AmountCents int64
	EventDate   string // normalized YYYY-MM-DD
}

// Accepted reports whether the candidate passed every rule.
func (v Verdict) Accepted() bool {
	return len(v.Violations) == 0
}

// Reasons converts the violations to storable quarantine reasons.
func (v Verdict) Reasons() []silver.Reason {
	out := make([]silver.Reason, 0, len(v.Violations))
	for _, viol := range v.Violations {
		out = append(out, silver.Reason{Code: string(viol.Code), Detail: viol.Detail})
	}
	return out
}

// RefChecker answers whether a referenced parent row is already committed.
type RefChecker interface {
	BusinessKeyExistsTx(ctx context.Context, tx *sql.Tx, kind silver.Kind, businessKey string) (bool, error)
}

// Batch tracks identity keys seen within one transform unit so duplicate
// rows inside a single source object are caught before they collide.
type Batch struct {
	seen map[string]int
}

// NewBatch creates an empty batch context.
func NewBatch() *Batch {
	return &Batch{seen: make(map[string]int)}
}

// Thresholds are the tunable rule limits.
type Thresholds struct {
	// MaxAmountCents is the largest plausible single-row amount.
	MaxAmountCents int64
	// DateWindowYears bounds event dates to now +/- this many years.
	DateWindowYears int
}

// Gate evaluates candidates against the full rule set.
type Gate struct {
	thresholds Thresholds
	refs       RefChecker
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewGate creates a gate with the given thresholds and reference source.
func NewGate(thresholds Thresholds, refs RefChecker, logger *zap.SugaredLogger) *Gate {
	return &Gate{thresholds: thresholds, refs: refs, logger: logger, now: time.Now}
}

// parentKind maps each child kind to the kind its parent key references.
func parentKind(kind silver.Kind) (silver.Kind, bool) {
	switch kind {
	case silver.KindObligation, silver.KindDrawdown, silver.KindDisbursement, silver.KindInvoice:
		return silver.KindAward, true
	case silver.KindLineItem:
		return silver.KindInvoice, true
	default:
		return "", false
	}
}

// Evaluate runs every rule against one candidate. Reference checks read
// through tx so the gate sees the committed state the transform opened with.
// Rule evaluation never mutates anything; only the batch dedup context is
// updated, and only on first sight of a key.
func (g *Gate) Evaluate(ctx context.Context, tx *sql.Tx, cand *silver.Candidate, batch *Batch) (Verdict, error) {
	var v Verdict

	// Required fields.
	if cand.BusinessKey == "" {
		v.Violations = append(v.Violations, Violation{ReasonMissingField, "business key is empty"})
	}
	if _, hasParent := parentKind(cand.Kind); hasParent && cand.ParentKey == "" {
		v.Violations = append(v.Violations, Violation{ReasonMissingField, "parent reference is empty"})
	}
	if cand.EventDate == "" {
		v.Violations = append(v.Violations, Violation{ReasonMissingField, "event date is empty"})
	}
	if cand.Amount == "" {
		v.Violations = append(v.Violations, Violation{ReasonMissingField, "amount is empty"})
	}

	// Amount parses, is non-negative, and is plausible.
	if cand.Amount != "" {
		cents, err := ParseAmountCents(cand.Amount)
		switch {
		case err != nil:
			v.Violations = append(v.Violations, Violation{ReasonInvalidAmount, fmt.Sprintf("cannot parse %q as a money amount", cand.Amount)})
		case cents < 0:
			v.Violations = append(v.Violations, Violation{ReasonNegativeAmount, fmt.Sprintf("amount %s is negative", cand.Amount)})
		case cents > g.thresholds.MaxAmountCents:
			v.Violations = append(v.Violations, Violation{ReasonAmountTooLarge, fmt.Sprintf("amount %s exceeds limit", cand.Amount)})
		default:
			v.AmountCents = cents
		}
	}

	// Date parses and falls inside the sanity window.
	if cand.EventDate != "" {
		day, err := time.Parse("2006-01-02", cand.EventDate)
		if err != nil {
			v.Violations = append(v.Violations, Violation{ReasonInvalidDate, fmt.Sprintf("cannot parse %q as YYYY-MM-DD", cand.EventDate)})
		} else {
			now := g.now().UTC()
			years := g.thresholds.DateWindowYears
			if day.Before(now.AddDate(-years, 0, 0)) || day.After(now.AddDate(years, 0, 0)) {
				v.Violations = append(v.Violations, Violation{ReasonDateOutOfRange, fmt.Sprintf("event date %s is outside the plausible window", cand.EventDate)})
			} else {
				v.EventDate = day.Format("2006-01-02")
			}
		}
	}

	// Referenced parent must already be committed.
	if pk, hasParent := parentKind(cand.Kind); hasParent && cand.ParentKey != "" {
		exists, err := g.refs.BusinessKeyExistsTx(ctx, tx, pk, cand.ParentKey)
		if err != nil {
			return Verdict{}, errors.Wrap(err, "reference check failed")
		}
		if !exists {
			v.Violations = append(v.Violations, Violation{ReasonMissingReference, fmt.Sprintf("no committed %s with key %q", pk, cand.ParentKey)})
		}
	}

	// Duplicate identity key within the batch.
	if prev, dup := batch.seen[cand.IdentityKey]; dup {
		v.Violations = append(v.Violations, Violation{ReasonDuplicateInBatch, fmt.Sprintf("identity key already produced by batch entry %d", prev)})
	} else {
		batch.seen[cand.IdentityKey] = len(batch.seen) + 1
	}

	return v, nil
}

// ParseAmountCents parses a decimal money string into integer cents.
// At most two fractional digits are allowed; floats are never involved.
func ParseAmountCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, errors.New("empty amount")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, errors.Newf("amount %q has more than two fractional digits", s)
	}
	// Both parts must be bare digits. ParseInt alone would also accept a
	// second sign, so "--5" or "1.-5" could fold into a positive amount.
	for _, part := range []string{whole, frac} {
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return 0, errors.Newf("invalid amount %q", s)
			}
		}
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid amount %q", s)
	}

	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}
