package labresult

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/pipeline"
)

// PriorCache keeps the most recent numeric value per (patient, analyte) in
// Redis so the delta check rarely hits the database. The table remains the
// source of truth; a cache miss or failure falls back to a repo query.
type PriorCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPriorCache(client *redis.Client, ttl time.Duration) *PriorCache {
	return &PriorCache{client: client, ttl: ttl}
}

func priorKey(patientID uuid.UUID, analyteID string) string {
	return fmt.Sprintf("prior:%s:%s", patientID, analyteID)
}

// Get returns the cached prior, or nil on a miss.
func (c *PriorCache) Get(ctx context.Context, patientID uuid.UUID, analyteID string) (*pipeline.PriorResult, error) {
	raw, err := c.client.Get(ctx, priorKey(patientID, analyteID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prior cache get: %w", err)
	}
	var prior pipeline.PriorResult
	if err := json.Unmarshal(raw, &prior); err != nil {
		return nil, fmt.Errorf("prior cache decode: %w", err)
	}
	return &prior, nil
}

func (c *PriorCache) Set(ctx context.Context, patientID uuid.UUID, analyteID string, prior pipeline.PriorResult) error {
	raw, err := json.Marshal(prior)
	if err != nil {
		return fmt.Errorf("prior cache encode: %w", err)
	}
	if err := c.client.Set(ctx, priorKey(patientID, analyteID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("prior cache set: %w", err)
	}
	return nil
}

// SetIfNewer stores the prior only when it is more recent than the cached
// entry. Backfilled older results must not regress the cached prior below
// what the database lookup would return.
func (c *PriorCache) SetIfNewer(ctx context.Context, patientID uuid.UUID, analyteID string, prior pipeline.PriorResult) error {
	cached, err := c.Get(ctx, patientID, analyteID)
	if err != nil {
		return err
	}
	if cached != nil && !cached.ObservedAt.Before(prior.ObservedAt) {
		return nil
	}
	return c.Set(ctx, patientID, analyteID, prior)
}
