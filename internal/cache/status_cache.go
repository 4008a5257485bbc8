package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultStatusTTL = 10 * time.Minute

// StatusCache keeps rendered status payloads of terminal batches in Redis.
// Terminal snapshots never change, so a hit skips the relational store
// entirely on the status read path.
type StatusCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewStatusCache(client *goredis.Client, ttl time.Duration) (*StatusCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	return &StatusCache{client: client, ttl: ttl}, nil
}

// Get returns the cached payload for a batch; the second return value is
// false on a miss.
func (c *StatusCache) Get(ctx context.Context, batchID string) ([]byte, bool, error) {
	key, err := statusKey(batchID)
	if err != nil {
		return nil, false, err
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read status cache: %w", err)
	}

	return payload, true, nil
}

func (c *StatusCache) Set(ctx context.Context, batchID string, payload []byte) error {
	key, err := statusKey(batchID)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write status cache: %w", err)
	}
	return nil
}

func statusKey(batchID string) (string, error) {
	trimmed := strings.TrimSpace(batchID)
	if trimmed == "" {
		return "", fmt.Errorf("batch id is required")
	}
	return fmt.Sprintf("imagemill:batch:%s:status", trimmed), nil
}
