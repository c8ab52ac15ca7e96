package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

const entryTTL = 24 * time.Hour

func entryKey(jobID string) string { return "export:status:" + jobID }

// Entry is the cached view of a job's live state. The UI polls this instead
// of hitting Postgres on every refresh.
type Entry struct {
	Status    domain.Status `json:"status"`
	Progress  int           `json:"progress"`
	Note      string        `json:"note,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache mirrors job status/progress into Redis for fast polling reads.
type StatusCache interface {
	Set(ctx context.Context, jobID string, e Entry) error
	Get(ctx context.Context, jobID string) (*Entry, error)
	Delete(ctx context.Context, jobID string) error
}

type statusCache struct {
	client *redis.Client
}

// NewStatusCache creates a Redis-backed StatusCache.
func NewStatusCache(client *redis.Client) StatusCache {
	return &statusCache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (c *statusCache) Set(ctx context.Context, jobID string, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, entryKey(jobID), data, entryTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", jobID, err)
	}
	return nil
}

func (c *statusCache) Get(ctx context.Context, jobID string) (*Entry, error) {
	data, err := c.client.Get(ctx, entryKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get status for %s: %w", jobID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &e, nil
}

func (c *statusCache) Delete(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, entryKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis delete status for %s: %w", jobID, err)
	}
	return nil
}
