// Package ai is the boundary to external model capabilities. Models may
// only interpret evidence: extracted findings always carry pointers to the
// verified raw objects they were derived from, and nothing a model returns
// is ever written into the silver or gold layers.
package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/evidentia/evidentia/errors"
)

// Extraction is a model's structured reading of an evidence chunk.
type Extraction struct {
	Fields           map[string]string `json:"fields"`
	EvidenceChunkIDs []string          `json:"evidence_chunk_ids"`
	TokensUsed       int               `json:"tokens_used"`
}

// Extractor pulls structured fields out of evidence text.
type Extractor interface {
	Extract(ctx context.Context, text, prompt string) (*Extraction, error)
	ModelName() string
	Provider() string
}

// Embedder produces vector embeddings of evidence text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
	Provider() string
}

// PromptHash fingerprints the exact prompt a finding was produced with.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Client wraps an extractor with rate limiting, bounded retries, and usage
// accounting. The capability stays replaceable behind the Extractor
// interface; the client only owns call discipline.
type Client struct {
	extractor  Extractor
	embedder   Embedder
	limiter    *rate.Limiter
	maxRetries int
	timeout    time.Duration
	tracker    *UsageTracker
	logger     *zap.SugaredLogger
}

// ClientOptions configures a capability client.
type ClientOptions struct {
	MaxRequestsPerMinute int
	MaxRetries           int
	Timeout              time.Duration
}

// NewClient wraps an extractor. A nil tracker disables usage accounting.
func NewClient(extractor Extractor, opts ClientOptions, tracker *UsageTracker, logger *zap.SugaredLogger) *Client {
	rpm := opts.MaxRequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		extractor:  extractor,
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		maxRetries: opts.MaxRetries,
		timeout:    timeout,
		tracker:    tracker,
		logger:     logger,
	}
}

// WithEmbedder attaches an embedding capability. Embedding calls share the
// client's rate limit, retry budget, and usage accounting.
func (c *Client) WithEmbedder(embedder Embedder) *Client {
	c.embedder = embedder
	return c
}

// Extract calls the capability with rate limiting and retries. entityID
// names what the extraction is about, for usage accounting only.
func (c *Client) Extract(ctx context.Context, entityID, text, prompt string) (*Extraction, error) {
	var usageID int64
	if c.tracker != nil {
		id, err := c.tracker.Start(ctx, "extract", "bundle", entityID, c.extractor.ModelName(), c.extractor.Provider())
		if err != nil {
			// Accounting failures must not block the capability.
			if c.logger != nil {
				c.logger.Warnw("Failed to record usage start", "error", err)
			}
		} else {
			usageID = id
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter interrupted")
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		result, err := c.extractor.Extract(callCtx, text, prompt)
		cancel()

		if err == nil {
			if c.tracker != nil && usageID != 0 {
				if terr := c.tracker.Complete(ctx, usageID, result.TokensUsed); terr != nil && c.logger != nil {
					c.logger.Warnw("Failed to record usage completion", "error", terr)
				}
			}
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if c.logger != nil {
			c.logger.Warnw("Extraction attempt failed",
				"entity_id", entityID,
				"attempt", attempt+1,
				"error", err,
			)
		}
	}

	if c.tracker != nil && usageID != 0 {
		if terr := c.tracker.Fail(ctx, usageID, lastErr.Error()); terr != nil && c.logger != nil {
			c.logger.Warnw("Failed to record usage failure", "error", terr)
		}
	}
	return nil, errors.Wrapf(lastErr, "extraction failed after %d attempts", c.maxRetries+1)
}

// Embed produces an embedding for evidence text under the same call
// discipline as Extract. entityID names what is being embedded, for usage
// accounting only.
func (c *Client) Embed(ctx context.Context, entityID, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, errors.NewInvalidRequestError("no embedder configured")
	}

	var usageID int64
	if c.tracker != nil {
		id, err := c.tracker.Start(ctx, "embed", "bundle", entityID, c.embedder.ModelName(), c.embedder.Provider())
		if err != nil {
			if c.logger != nil {
				c.logger.Warnw("Failed to record usage start", "error", err)
			}
		} else {
			usageID = id
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter interrupted")
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		vector, err := c.embedder.Embed(callCtx, text)
		cancel()

		if err == nil {
			if c.tracker != nil && usageID != 0 {
				if terr := c.tracker.Complete(ctx, usageID, 0); terr != nil && c.logger != nil {
					c.logger.Warnw("Failed to record usage completion", "error", terr)
				}
			}
			return vector, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if c.logger != nil {
			c.logger.Warnw("Embedding attempt failed",
				"entity_id", entityID,
				"attempt", attempt+1,
				"error", err,
			)
		}
	}

	if c.tracker != nil && usageID != 0 {
		if terr := c.tracker.Fail(ctx, usageID, lastErr.Error()); terr != nil && c.logger != nil {
			c.logger.Warnw("Failed to record usage failure", "error", terr)
		}
	}
	return nil, errors.Wrapf(lastErr, "embedding failed after %d attempts", c.maxRetries+1)
}
