package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/rawstore"
)

// Finding is one model-extracted result, permanently tied to the evidence
// it was derived from. Findings live beside the silver layer, never in it.
type Finding struct {
	ID               string            `json:"id"`
	BundleID         string            `json:"bundle_id"`
	RuleID           string            `json:"rule_id"`
	ExtractedFields  map[string]string `json:"extracted_fields"`
	EvidenceChunkIDs []string          `json:"evidence_chunk_ids"`
	SourceObjectID   string            `json:"source_object_id"`
	ModelName        string            `json:"model_name"`
	PromptHash       string            `json:"prompt_hash"`
	CreatedAt        time.Time         `json:"created_at"`
}

// FindingStore persists findings with lineage back to raw evidence.
type FindingStore struct {
	db     *sql.DB
	raw    *rawstore.Store
	logger *zap.SugaredLogger
}

// NewFindingStore creates a finding store.
func NewFindingStore(db *sql.DB, raw *rawstore.Store, logger *zap.SugaredLogger) *FindingStore {
	return &FindingStore{db: db, raw: raw, logger: logger}
}

// RecordFinding stores an extraction result against the bundle it was
// derived from. The bundle's manifest must resolve to a stored raw object;
// a finding without verifiable evidence behind it is refused.
func (s *FindingStore) RecordFinding(ctx context.Context, bundleID, ruleID string, extraction *Extraction, modelName, promptHash string) (*Finding, error) {
	if len(extraction.EvidenceChunkIDs) == 0 {
		return nil, errors.NewInvalidRequestError("finding must cite at least one evidence chunk")
	}

	manifest, err := s.raw.ManifestStatus(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if manifest.State != rawstore.ManifestStored {
		return nil, errors.Wrapf(errors.ErrReferenceNotReady, "bundle %s is %s, not stored", bundleID, manifest.State)
	}

	// The evidence must still verify before a finding may reference it.
	if _, err := s.raw.Verify(ctx, manifest.ObjectID); err != nil {
		return nil, err
	}

	fields, err := json.Marshal(extraction.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal extracted fields")
	}
	chunks, err := json.Marshal(extraction.EvidenceChunkIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal evidence chunk ids")
	}

	finding := &Finding{
		ID:               uuid.NewString(),
		BundleID:         bundleID,
		RuleID:           ruleID,
		ExtractedFields:  extraction.Fields,
		EvidenceChunkIDs: extraction.EvidenceChunkIDs,
		SourceObjectID:   manifest.ObjectID,
		ModelName:        modelName,
		PromptHash:       promptHash,
		CreatedAt:        time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_findings (id, bundle_id, rule_id, extracted_fields, evidence_chunk_ids, source_object_id, model_name, prompt_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		finding.ID, finding.BundleID, finding.RuleID, string(fields), string(chunks),
		finding.SourceObjectID, finding.ModelName, finding.PromptHash, finding.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert finding")
	}

	if s.logger != nil {
		s.logger.Infow("Recorded finding",
			"finding_id", finding.ID,
			"bundle_id", bundleID,
			"rule_id", ruleID,
			"model", modelName,
		)
	}
	return finding, nil
}

// Finding loads one finding by ID.
func (s *FindingStore) Finding(ctx context.Context, id string) (*Finding, error) {
	var f Finding
	var fields, chunks string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, rule_id, extracted_fields, evidence_chunk_ids, source_object_id, model_name, prompt_hash, created_at
		FROM ai_findings WHERE id = ?`, id,
	).Scan(&f.ID, &f.BundleID, &f.RuleID, &fields, &chunks, &f.SourceObjectID, &f.ModelName, &f.PromptHash, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("finding %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load finding")
	}
	if err := json.Unmarshal([]byte(fields), &f.ExtractedFields); err != nil {
		return nil, errors.Wrap(err, "failed to decode extracted fields")
	}
	if err := json.Unmarshal([]byte(chunks), &f.EvidenceChunkIDs); err != nil {
		return nil, errors.Wrap(err, "failed to decode evidence chunk ids")
	}
	return &f, nil
}

// FindingsByBundle lists findings for a bundle, oldest first.
func (s *FindingStore) FindingsByBundle(ctx context.Context, bundleID string) ([]*Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_id, rule_id, extracted_fields, evidence_chunk_ids, source_object_id, model_name, prompt_hash, created_at
		FROM ai_findings WHERE bundle_id = ? ORDER BY created_at ASC, id ASC`, bundleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list findings")
	}
	defer rows.Close()

	var out []*Finding
	for rows.Next() {
		var f Finding
		var fields, chunks string
		if err := rows.Scan(&f.ID, &f.BundleID, &f.RuleID, &fields, &chunks, &f.SourceObjectID, &f.ModelName, &f.PromptHash, &f.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan finding")
		}
		if err := json.Unmarshal([]byte(fields), &f.ExtractedFields); err != nil {
			return nil, errors.Wrap(err, "failed to decode extracted fields")
		}
		if err := json.Unmarshal([]byte(chunks), &f.EvidenceChunkIDs); err != nil {
			return nil, errors.Wrap(err, "failed to decode evidence chunk ids")
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
