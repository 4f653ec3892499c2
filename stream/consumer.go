// Package stream consumes near-real-time payment events from an
// at-least-once delivery channel. Each message is archived as raw evidence,
// claimed in the dedup ledger, gated, and committed in one transaction, so
// redeliveries and crash replays converge to exactly one set of side
// effects per offset.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/ledger"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
	"github.com/evidentia/evidentia/transform"
)

var messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "evidentia_stream_messages_total",
	Help: "Stream messages by processing result.",
}, []string{"result"})

// Disposition tells the delivery channel what to do with a message.
type Disposition int

const (
	// AckProcessed acknowledges a message whose effects are committed.
	AckProcessed Disposition = iota
	// AckDuplicate acknowledges a redelivery without side effects.
	AckDuplicate
	// NackRetry asks the channel to redeliver later.
	NackRetry
)

// Message is one delivered stream message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Payload   []byte
}

// paymentEvent is the wire format of a streamed payment message.
type paymentEvent struct {
	EventID    string            `json:"event_id"`
	Kind       string            `json:"kind"`
	AwardID    string            `json:"award_id"`
	EventDate  string            `json:"event_date"`
	Amount     json.Number       `json:"amount"`
	Attributes map[string]string `json:"attributes"`
}

// Consumer processes stream messages into the silver layer.
type Consumer struct {
	db     *sql.DB
	ledger *ledger.Ledger
	raw    *rawstore.Store
	engine *transform.Engine
	logger *zap.SugaredLogger
}

// NewConsumer wires a consumer and releases claims orphaned by an earlier
// crash so their offsets can be reprocessed.
func NewConsumer(ctx context.Context, db *sql.DB, l *ledger.Ledger, raw *rawstore.Store, engine *transform.Engine, logger *zap.SugaredLogger) (*Consumer, error) {
	released, err := l.ReleaseStale(ctx, time.Hour)
	if err != nil {
		return nil, err
	}
	if released > 0 && logger != nil {
		logger.Warnw("Released stale stream claims", "count", released)
	}
	return &Consumer{db: db, ledger: l, raw: raw, engine: engine, logger: logger}, nil
}

// OnMessage processes one delivery. The ledger claim, the row outcome, and
// the claim commit share a transaction: either all of them are durable or
// none are, and a committed claim makes any redelivery a no-op.
func (c *Consumer) OnMessage(ctx context.Context, msg Message) (Disposition, error) {
	// Fast path for redeliveries of already-committed offsets.
	committed, err := c.ledger.IsCommitted(ctx, msg.Topic, msg.Partition, msg.Offset)
	if err != nil {
		return NackRetry, err
	}
	if committed {
		messagesProcessed.WithLabelValues("duplicate").Inc()
		return AckDuplicate, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return NackRetry, errors.Wrap(err, "failed to begin message transaction")
	}
	defer tx.Rollback()

	claim, err := c.ledger.TryClaim(ctx, tx, msg.Topic, msg.Partition, msg.Offset)
	if err != nil {
		return NackRetry, err
	}
	if claim.AlreadyProcessed {
		messagesProcessed.WithLabelValues("duplicate").Inc()
		return AckDuplicate, nil
	}

	// Raw evidence first: the message bytes are archived before any
	// interpretation, in the claim transaction so a duplicate or a nacked
	// delivery leaves no pending object behind.
	obj, err := c.raw.PutTx(ctx, tx, msg.Payload, rawstore.Metadata{
		ContentType: "application/json",
		SourceLabel: msg.Topic,
		LogicalName: fmt.Sprintf("%s-%d-%d.json", msg.Topic, msg.Partition, msg.Offset),
	})
	if err != nil {
		return NackRetry, err
	}

	// Archived messages are consumed here, not by the batch transform.
	if _, err := tx.ExecContext(ctx,
		`UPDATE raw_objects SET transformed_at = CURRENT_TIMESTAMP WHERE id = ?`, obj.ID); err != nil {
		return NackRetry, errors.Wrap(err, "failed to stamp message object")
	}

	cand := c.buildCandidate(msg, obj)
	accepted, err := c.engine.ApplyCandidateTx(ctx, tx, cand)
	if err != nil {
		return NackRetry, err
	}

	if err := c.ledger.Commit(ctx, tx, msg.Topic, msg.Partition, msg.Offset); err != nil {
		return NackRetry, err
	}
	if err := tx.Commit(); err != nil {
		return NackRetry, errors.Wrap(err, "failed to commit message transaction")
	}

	result := "accepted"
	if !accepted {
		result = "quarantined"
	}
	messagesProcessed.WithLabelValues(result).Inc()
	if c.logger != nil {
		c.logger.Infow("Processed stream message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"accepted", accepted,
		)
	}
	return AckProcessed, nil
}

// buildCandidate maps a message payload onto a gate-ready candidate. A
// payload that does not parse still yields a candidate, keyed by its offset
// coordinates, so the gate can quarantine it instead of the channel
// redelivering it forever.
func (c *Consumer) buildCandidate(msg Message, obj *rawstore.RawObject) *silver.Candidate {
	var event paymentEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil || event.EventID == "" {
		key := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		return &silver.Candidate{
			Kind:        silver.KindDisbursement,
			IdentityKey: silver.NaturalIdentityKey(silver.KindDisbursement, key),
			Lineage:     silver.Lineage{SourceObjectID: obj.ID},
			Attributes:  map[string]string{"malformed_payload": "true"},
		}
	}

	kind := silver.Kind(event.Kind)
	switch kind {
	case silver.KindDisbursement, silver.KindDrawdown, silver.KindObligation:
	default:
		kind = silver.KindDisbursement
	}

	return &silver.Candidate{
		Kind:        kind,
		IdentityKey: silver.NaturalIdentityKey(kind, event.EventID),
		Lineage:     silver.Lineage{SourceObjectID: obj.ID},
		BusinessKey: event.EventID,
		ParentKey:   event.AwardID,
		EventDate:   event.EventDate,
		Amount:      event.Amount.String(),
		Attributes:  event.Attributes,
	}
}
