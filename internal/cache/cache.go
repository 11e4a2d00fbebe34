// Package cache keeps job projections in Redis so status reads skip the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "job:status:"

// StatusCache is a read-through cache of job projections.
type StatusCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, jobID string) (*domain.Projection, error)
	Put(ctx context.Context, p domain.Projection) error
	Delete(ctx context.Context, jobID string) error
}

// RedisStatusCache stores projections as JSON with a TTL.
type RedisStatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStatusCache creates a cache on rdb
func NewRedisStatusCache(rdb *redis.Client, ttl time.Duration) *RedisStatusCache {
	return &RedisStatusCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached projection of jobID
func (c *RedisStatusCache) Get(ctx context.Context, jobID string) (*domain.Projection, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := c.rdb.Get(ctx, statusKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var p domain.Projection
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Put stores p unless the cached entry is already further along. The check
// and write run under WATCH so concurrent writers cannot move a job backwards.
func (c *RedisStatusCache) Put(ctx context.Context, p domain.Projection) error {
	key := statusKey(p.ID)
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	for {
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				var existing domain.Projection
				if json.Unmarshal(current, &existing) == nil && !Supersedes(p, existing) {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, c.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// Delete drops the cached projection of jobID
func (c *RedisStatusCache) Delete(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, statusKey(jobID)).Err()
}

// Supersedes reports whether next may replace prev in the cache. A different
// run id means the record was superseded and always wins.
func Supersedes(next, prev domain.Projection) bool {
	if next.RunID != prev.RunID {
		return true
	}
	if prev.Status.IsTerminal() {
		return false
	}
	if next.Status.IsTerminal() {
		return true
	}
	if next.Status == domain.JobStatusQueued && prev.Status == domain.JobStatusProcessing {
		return false
	}
	return next.Progress >= prev.Progress
}

func statusKey(id string) string {
	return statusKeyPrefix + id
}

// Nop is the cache used when Redis is not configured.
type Nop struct{}

func (Nop) Get(context.Context, string) (*domain.Projection, error) { return nil, nil }
func (Nop) Put(context.Context, domain.Projection) error              { return nil }
func (Nop) Delete(context.Context, string) error                      { return nil }
