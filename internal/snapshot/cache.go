package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

const (
	defaultPrefix = "pricing:snapshot"
	defaultTTL    = 30 * time.Second
)

// Source produces a consistent view of products and tariffs.
type Source interface {
	Snapshot(ctx context.Context) (pricing.Snapshot, error)
}

// Cache keeps the latest snapshot in Redis so API replicas share one load.
// Entries are keyed by a generation counter; Invalidate moves the counter so
// a reader that loaded before a commit can only populate a retired key.
type Cache struct {
	client *redis.Client
	source Source
	ttl    time.Duration
	prefix string
	logger *zerolog.Logger
}

// NewCache wraps source. A nil client disables caching.
func NewCache(client *redis.Client, source Source, ttl time.Duration, logger *zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Cache{client: client, source: source, ttl: ttl, prefix: defaultPrefix, logger: logger}
}

// Snapshot returns the cached view, loading it from the source on a miss.
// Redis failures fall through to the source.
func (c *Cache) Snapshot(ctx context.Context) (pricing.Snapshot, error) {
	if c.client == nil {
		return c.source.Snapshot(ctx)
	}
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("snapshot cache unavailable")
		obs.IncSnapshotCache("error")
		return c.source.Snapshot(ctx)
	}
	key := c.dataKey(gen)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snap pricing.Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			obs.IncSnapshotCache("hit")
			return snap, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable snapshot")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Msg("snapshot cache read failed")
		obs.IncSnapshotCache("error")
		return c.source.Snapshot(ctx)
	}

	obs.IncSnapshotCache("miss")
	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		return pricing.Snapshot{}, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return pricing.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("snapshot cache write failed")
	}
	return snap, nil
}

// Invalidate retires the current generation. It satisfies ledger.Invalidator.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, c.generationKey()).Err()
}

func (c *Cache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Cache) generationKey() string { return c.prefix + ":gen" }

func (c *Cache) dataKey(gen int64) string { return fmt.Sprintf("%s:%d", c.prefix, gen) }
