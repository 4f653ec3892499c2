// Package lineage walks derived values back to the raw evidence behind
// them. Every resolution re-verifies the digests of the raw objects it
// touches; a chain that ends in tampered bytes is an integrity failure,
// never a partially trusted answer.
package lineage

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
)

// RowRef is one normalized row in a lineage chain.
type RowRef struct {
	IdentityKey    string `json:"identity_key"`
	Kind           string `json:"kind"`
	BusinessKey    string `json:"business_key"`
	SourceObjectID string `json:"source_object_id"`
	SourceRowNum   *int   `json:"source_row_num,omitempty"`
	AmountCents    int64  `json:"amount_cents"`
}

// ObjectRef is one verified raw object in a lineage chain.
type ObjectRef struct {
	ObjectID    string    `json:"object_id"`
	Digest      string    `json:"digest"`
	SourceLabel string    `json:"source_label"`
	LogicalName string    `json:"logical_name"`
	Version     int       `json:"version"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Chain is a fully resolved lineage: the contributing rows and the verified
// raw objects they came from.
type Chain struct {
	Rows    []RowRef    `json:"rows"`
	Objects []ObjectRef `json:"objects"`
}

// Resolver resolves lineage chains.
type Resolver struct {
	db     *sql.DB
	raw    *rawstore.Store
	silver *silver.Store
	logger *zap.SugaredLogger
}

// NewResolver creates a lineage resolver.
func NewResolver(db *sql.DB, raw *rawstore.Store, silverStore *silver.Store, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{db: db, raw: raw, silver: silverStore, logger: logger}
}

// ResolveAggregate resolves a gold cell down to its contributing rows and
// raw objects, re-verifying every object digest on the way.
func (r *Resolver) ResolveAggregate(ctx context.Context, bucketDate, kind, dimension string) (*Chain, error) {
	rows, err := r.silver.RowsForBucket(ctx, bucketDate, silver.Kind(kind), dimension)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("no committed rows behind %s/%s/%s", bucketDate, kind, dimension)
	}

	chain := &Chain{}
	objectIDs := make(map[string]bool)
	for _, row := range rows {
		chain.Rows = append(chain.Rows, RowRef{
			IdentityKey:    row.IdentityKey,
			Kind:           string(row.Kind),
			BusinessKey:    row.BusinessKey,
			SourceObjectID: row.Lineage.SourceObjectID,
			SourceRowNum:   row.Lineage.SourceRowNum,
			AmountCents:    row.AmountCents,
		})
		objectIDs[row.Lineage.SourceObjectID] = true
	}

	objects, err := r.verifyObjects(ctx, objectIDs)
	if err != nil {
		return nil, err
	}
	chain.Objects = objects
	return chain, nil
}

// ResolveRow resolves a single normalized row back to its verified source.
func (r *Resolver) ResolveRow(ctx context.Context, identityKey string) (*Chain, error) {
	row, err := r.silver.Row(ctx, identityKey)
	if err != nil {
		return nil, err
	}

	objects, err := r.verifyObjects(ctx, map[string]bool{row.Lineage.SourceObjectID: true})
	if err != nil {
		return nil, err
	}
	return &Chain{
		Rows: []RowRef{{
			IdentityKey:    row.IdentityKey,
			Kind:           string(row.Kind),
			BusinessKey:    row.BusinessKey,
			SourceObjectID: row.Lineage.SourceObjectID,
			SourceRowNum:   row.Lineage.SourceRowNum,
			AmountCents:    row.AmountCents,
		}},
		Objects: objects,
	}, nil
}

// ResolveFinding resolves an AI finding to the verified raw object its
// evidence was extracted from.
func (r *Resolver) ResolveFinding(ctx context.Context, findingID string) (*Chain, error) {
	var objectID string
	err := r.db.QueryRowContext(ctx,
		`SELECT source_object_id FROM ai_findings WHERE id = ?`, findingID,
	).Scan(&objectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("finding %s", findingID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load finding")
	}

	objects, err := r.verifyObjects(ctx, map[string]bool{objectID: true})
	if err != nil {
		return nil, err
	}
	return &Chain{Objects: objects}, nil
}

// verifyObjects re-verifies each object's digest and returns the refs in a
// stable order. The first integrity failure fails the whole chain.
func (r *Resolver) verifyObjects(ctx context.Context, objectIDs map[string]bool) ([]ObjectRef, error) {
	ids := make([]string, 0, len(objectIDs))
	for id := range objectIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []ObjectRef
	for _, id := range ids {
		obj, err := r.raw.Verify(ctx, id)
		if err != nil {
			if errors.IsIntegrityError(err) && r.logger != nil {
				r.logger.Errorw("Lineage chain hit corrupt evidence", "object_id", id)
			}
			return nil, errors.Wrapf(err, "lineage verification failed for object %s", id)
		}
		out = append(out, ObjectRef{
			ObjectID:    obj.ID,
			Digest:      obj.Digest,
			SourceLabel: obj.SourceLabel,
			LogicalName: obj.LogicalName,
			Version:     obj.Version,
			ReceivedAt:  obj.ReceivedAt,
		})
	}
	return out, nil
}
