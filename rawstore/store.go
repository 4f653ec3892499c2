// Package rawstore persists raw evidence bytes content-addressably and
// verifies their digest on every read. Stored bytes are never mutated:
// re-ingesting content under the same logical source creates a new version
// row pointing at the (possibly shared) blob.
package rawstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
)

// RawObject is the metadata record for one stored evidence object version.
type RawObject struct {
	ID          string    `json:"id"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	SourceLabel string    `json:"source_label"`
	LogicalName string    `json:"logical_name"`
	Version     int       `json:"version"`
	Corrupt     bool      `json:"corrupt"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Metadata describes an object being submitted.
type Metadata struct {
	ContentType string
	SourceLabel string
	LogicalName string
}

// Store is the hash-verifying raw evidence store. Metadata lives in sqlite,
// bytes in a content-addressed directory tree under root.
type Store struct {
	db     *sql.DB
	root   string
	logger *zap.SugaredLogger
}

// NewStore creates a raw store rooted at the given blob directory.
func NewStore(db *sql.DB, root string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrapf(err, "failed to create blob root %s", root)
	}
	return &Store{db: db, root: root, logger: logger}, nil
}

// Digest computes the hex-encoded SHA-256 content digest used throughout
// the engine. Deterministic by construction; tests rely on that.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// blobPath fans blobs out over two directory levels to keep directories small.
func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, digest[0:2], digest[2:4], digest)
}

// Put persists bytes and metadata, returning the new RawObject version.
// Byte-identical content shares a blob; the version counter still advances
// so callers can decide whether to treat the re-upload as a duplicate.
func (s *Store) Put(ctx context.Context, data []byte, meta Metadata) (*RawObject, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin raw object transaction")
	}
	defer tx.Rollback()

	obj, err := s.PutTx(ctx, tx, data, meta)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit raw object")
	}

	if s.logger != nil {
		s.logger.Infow("Stored raw object",
			"object_id", obj.ID,
			"digest", obj.Digest[:12],
			"source", obj.SourceLabel,
			"name", obj.LogicalName,
			"version", obj.Version,
			"size", obj.Size,
		)
	}
	return obj, nil
}

// PutTx is Put inside a caller-owned transaction, for callers that must make
// the metadata row stand or fall with their other writes. The blob write is
// not transactional, but a blob without a metadata row is unreachable, so a
// rolled-back transaction leaves no observable object.
func (s *Store) PutTx(ctx context.Context, tx *sql.Tx, data []byte, meta Metadata) (*RawObject, error) {
	if meta.SourceLabel == "" || meta.LogicalName == "" {
		return nil, errors.NewInvalidRequestError("source label and logical name are required")
	}

	digest := Digest(data)
	if err := s.writeBlob(digest, data); err != nil {
		return nil, err
	}

	obj := &RawObject{
		ID:          uuid.NewString(),
		Digest:      digest,
		Size:        int64(len(data)),
		ContentType: meta.ContentType,
		SourceLabel: meta.SourceLabel,
		LogicalName: meta.LogicalName,
		ReceivedAt:  time.Now().UTC(),
	}

	// Version assignment and insert share the transaction so concurrent
	// uploads of the same logical source cannot race to the same version.
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM raw_objects WHERE source_label = ? AND logical_name = ?`,
		obj.SourceLabel, obj.LogicalName,
	).Scan(&obj.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to assign version")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO raw_objects (id, digest, size, content_type, source_label, logical_name, version, corrupt, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		obj.ID, obj.Digest, obj.Size, obj.ContentType, obj.SourceLabel, obj.LogicalName, obj.Version, obj.ReceivedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert raw object")
	}
	return obj, nil
}

// writeBlob writes the content-addressed blob if it does not already exist.
// Writes go through a temp file and rename so a crash never leaves a
// partially-written blob at the final path.
func (s *Store) writeBlob(digest string, data []byte) error {
	path := s.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil // content-addressed: identical bytes already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrap(err, "failed to create blob directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ingest-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp blob")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write blob")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close blob")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to finalize blob")
	}
	return nil
}

// Get returns the object's bytes after re-verifying the digest. A mismatch
// flags the object corrupt and returns ErrIntegrity; corrupt objects are
// never served.
func (s *Store) Get(ctx context.Context, objectID string) ([]byte, *RawObject, error) {
	obj, err := s.Object(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}
	if obj.Corrupt {
		return nil, nil, errors.Wrapf(errors.ErrIntegrity, "raw object %s is flagged corrupt", objectID)
	}

	data, err := os.ReadFile(s.blobPath(obj.Digest))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read blob for object %s", objectID)
	}

	if recomputed := Digest(data); recomputed != obj.Digest {
		if err := s.flagCorrupt(ctx, objectID); err != nil && s.logger != nil {
			s.logger.Errorw("Failed to flag corrupt object", "object_id", objectID, "error", err)
		}
		if s.logger != nil {
			s.logger.Errorw("Digest mismatch on read",
				"object_id", objectID,
				"stored", obj.Digest[:12],
				"recomputed", recomputed[:12],
			)
		}
		return nil, nil, errors.Wrapf(errors.ErrIntegrity,
			"raw object %s digest mismatch: stored %s, recomputed %s", objectID, obj.Digest, recomputed)
	}

	return data, obj, nil
}

// Verify re-verifies an object's digest without returning the bytes.
func (s *Store) Verify(ctx context.Context, objectID string) (*RawObject, error) {
	_, obj, err := s.Get(ctx, objectID)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Object returns the metadata record for an object ID.
func (s *Store) Object(ctx context.Context, objectID string) (*RawObject, error) {
	var obj RawObject
	var corrupt int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, digest, size, content_type, source_label, logical_name, version, corrupt, received_at
		FROM raw_objects WHERE id = ?`, objectID,
	).Scan(&obj.ID, &obj.Digest, &obj.Size, &obj.ContentType, &obj.SourceLabel, &obj.LogicalName, &obj.Version, &corrupt, &obj.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("raw object %s", objectID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load raw object")
	}
	obj.Corrupt = corrupt != 0
	return &obj, nil
}

// Versions lists all stored versions for a logical source, oldest first.
func (s *Store) Versions(ctx context.Context, sourceLabel, logicalName string) ([]*RawObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, digest, size, content_type, source_label, logical_name, version, corrupt, received_at
		FROM raw_objects WHERE source_label = ? AND logical_name = ? ORDER BY version ASC`,
		sourceLabel, logicalName,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list versions")
	}
	defer rows.Close()

	var objects []*RawObject
	for rows.Next() {
		var obj RawObject
		var corrupt int
		if err := rows.Scan(&obj.ID, &obj.Digest, &obj.Size, &obj.ContentType, &obj.SourceLabel, &obj.LogicalName, &obj.Version, &corrupt, &obj.ReceivedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan raw object")
		}
		obj.Corrupt = corrupt != 0
		objects = append(objects, &obj)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating versions")
	}
	return objects, nil
}

func (s *Store) flagCorrupt(ctx context.Context, objectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE raw_objects SET corrupt = 1 WHERE id = ?`, objectID)
	if err != nil {
		return errors.Wrapf(err, "failed to flag object %s corrupt", objectID)
	}
	return nil
}
