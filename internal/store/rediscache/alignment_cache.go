// Package rediscache backs the vision alignment cache with Redis so
// multiple server replicas share computed views.
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"conductor/internal/domain/vision"
	"conductor/internal/logging"
)

const keyPrefix = "conductor:alignment:"

// AlignmentCache implements visionenrich.AlignmentCache on Redis with a
// server-side TTL. Cache faults degrade to recomputation, never to errors.
type AlignmentCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logging.Logger
}

// New builds a Redis alignment cache.
func New(client *redis.Client, ttl time.Duration, log *logging.Logger) *AlignmentCache {
	return &AlignmentCache{client: client, ttl: ttl, log: logging.OrNop(log).Component("rediscache")}
}

// Get returns the cached view for a task if present and fresh.
func (c *AlignmentCache) Get(ctx context.Context, taskID string) ([]vision.Alignment, bool) {
	payload, err := c.client.Get(ctx, keyPrefix+taskID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("alignment cache read failed", "task", taskID, "error", err)
		}
		return nil, false
	}
	var rows []vision.Alignment
	if err := json.Unmarshal(payload, &rows); err != nil {
		c.log.Warn("alignment cache entry corrupt, dropping", "task", taskID, "error", err)
		c.client.Del(ctx, keyPrefix+taskID)
		return nil, false
	}
	return rows, true
}

// Set stores a computed view with the configured TTL.
func (c *AlignmentCache) Set(ctx context.Context, taskID string, rows []vision.Alignment) {
	payload, err := json.Marshal(rows)
	if err != nil {
		c.log.Warn("alignment cache encode failed", "task", taskID, "error", err)
		return
	}
	if err := c.client.Set(ctx, keyPrefix+taskID, payload, c.ttl).Err(); err != nil {
		c.log.Warn("alignment cache write failed", "task", taskID, "error", err)
	}
}

// Invalidate drops a task's cached view.
func (c *AlignmentCache) Invalidate(ctx context.Context, taskID string) {
	if err := c.client.Del(ctx, keyPrefix+taskID).Err(); err != nil {
		c.log.Warn("alignment cache invalidate failed", "task", taskID, "error", err)
	}
}
