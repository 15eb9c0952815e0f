// Package cache drops provider callbacks that have already been handled.
// Providers redeliver webhooks until they get a 200, so the same receipt can
// arrive several times.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wa:status:"

// commands is the part of the Redis client the deduper needs.
type commands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Deduper struct {
	rdb commands
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// FirstSeen claims the (externalID, status) pair and reports whether this is
// its first delivery within the TTL.
func (d *Deduper) FirstSeen(ctx context.Context, externalID, status string) (bool, error) {
	key := dedupeKey(externalID, status)
	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", key, err)
	}
	return ok, nil
}

// Forget releases a claim so a redelivery of the same receipt is processed.
func (d *Deduper) Forget(ctx context.Context, externalID, status string) error {
	key := dedupeKey(externalID, status)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func dedupeKey(externalID, status string) string {
	return keyPrefix + externalID + ":" + status
}
