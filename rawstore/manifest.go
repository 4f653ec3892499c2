package rawstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/evidentia/evidentia/errors"
)

// ManifestState is the lifecycle state of an ingestion bundle.
type ManifestState string

const (
	ManifestPending ManifestState = "pending"
	ManifestStored  ManifestState = "stored"
	ManifestFailed  ManifestState = "failed"
)

// IngestManifest records one ingestion bundle from submission to terminal state.
type IngestManifest struct {
	BundleID    string        `json:"bundle_id"`
	State       ManifestState `json:"state"`
	ObjectID    string        `json:"object_id,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SubmitEvidence is the ingestion boundary: it opens a manifest, stores the
// object, and drives the manifest to a terminal state. A failure is captured
// on the manifest, never silently dropped.
func (s *Store) SubmitEvidence(ctx context.Context, bundleID string, data []byte, meta Metadata) (*RawObject, error) {
	if bundleID == "" {
		bundleID = uuid.NewString()
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_manifests (bundle_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		bundleID, ManifestPending, now, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest for bundle %s", bundleID)
	}

	obj, putErr := s.Put(ctx, data, meta)
	if putErr != nil {
		if err := s.closeManifest(ctx, bundleID, ManifestFailed, "", putErr.Error()); err != nil && s.logger != nil {
			s.logger.Errorw("Failed to record manifest failure", "bundle_id", bundleID, "error", err)
		}
		return nil, putErr
	}

	if err := s.closeManifest(ctx, bundleID, ManifestStored, obj.ID, ""); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *Store) closeManifest(ctx context.Context, bundleID string, state ManifestState, objectID, errorDetail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_manifests
		SET state = ?, object_id = NULLIF(?, ''), error_detail = NULLIF(?, ''), updated_at = ?
		WHERE bundle_id = ?`,
		state, objectID, errorDetail, time.Now().UTC(), bundleID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to close manifest %s", bundleID)
	}
	return nil
}

// ManifestStatus returns the manifest for a bundle.
func (s *Store) ManifestStatus(ctx context.Context, bundleID string) (*IngestManifest, error) {
	var m IngestManifest
	var objectID, errorDetail sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT bundle_id, state, object_id, error_detail, created_at, updated_at
		FROM ingest_manifests WHERE bundle_id = ?`, bundleID,
	).Scan(&m.BundleID, &m.State, &objectID, &errorDetail, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("manifest %s", bundleID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load manifest")
	}
	m.ObjectID = objectID.String
	m.ErrorDetail = errorDetail.String
	return &m, nil
}

// ListManifests returns recent manifests, newest first.
func (s *Store) ListManifests(ctx context.Context, limit int) ([]*IngestManifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, state, object_id, error_detail, created_at, updated_at
		FROM ingest_manifests ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list manifests")
	}
	defer rows.Close()

	var manifests []*IngestManifest
	for rows.Next() {
		var m IngestManifest
		var objectID, errorDetail sql.NullString
		if err := rows.Scan(&m.BundleID, &m.State, &objectID, &errorDetail, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan manifest")
		}
		m.ObjectID = objectID.String
		m.ErrorDetail = errorDetail.String
		manifests = append(manifests, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating manifests")
	}
	return manifests, nil
}
