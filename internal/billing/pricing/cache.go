package pricing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "pricing:version"
	fillTimeout     = 15 * time.Second
)

// Cache decorates a Source with versioned Redis caching. Redis failures fall
// through to the underlying source so pricing never depends on the cache.
type Cache struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCache wraps source.
func NewCache(source Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, client: client, ttl: ttl, logger: logger}
}

// ListForCustomer implements Source.
func (c *Cache) ListForCustomer(ctx context.Context, customerID uuid.UUID) ([]PriceList, error) {
	return c.fetch(ctx, "customer", customerID, c.source.ListForCustomer)
}

// ListForBranch implements Source.
func (c *Cache) ListForBranch(ctx context.Context, branchID uuid.UUID) ([]PriceList, error) {
	return c.fetch(ctx, "branch", branchID, c.source.ListForBranch)
}

// Invalidate drops every cached list by bumping the version.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	return ver, err
}

func (c *Cache) fetch(ctx context.Context, scope string, id uuid.UUID, load func(context.Context, uuid.UUID) ([]PriceList, error)) ([]PriceList, error) {
	if c.client == nil {
		return load(ctx, id)
	}
	ver, err := c.version(ctx)
	if err != nil {
		c.logger.Warn("pricing cache version", slog.Any("error", err))
		return load(ctx, id)
	}
	key := strings.Join([]string{"pricing", "v" + formatVersion(ver), scope, id.String()}, ":")

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var lists []PriceList
		if err := json.Unmarshal(raw, &lists); err == nil {
			return lists, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("pricing cache get", slog.String("key", key), slog.Any("error", err))
	}

	// The shared fill outlives any single caller's deadline; each caller
	// still stops waiting when its own context ends.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		lists, err := load(fillCtx, id)
		if err != nil {
			return nil, err
		}
		if payload, err := json.Marshal(lists); err == nil {
			if err := c.client.Set(fillCtx, key, payload, c.ttl).Err(); err != nil {
				c.logger.Warn("pricing cache set", slog.String("key", key), slog.Any("error", err))
			}
		}
		return lists, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return clone(r.Val.([]PriceList)), nil
	}
}

// clone copies the slice headers so callers sharing a singleflight result
// cannot observe each other's reordering.
func clone(lists []PriceList) []PriceList {
	out := make([]PriceList, len(lists))
	for i, l := range lists {
		l.Items = append([]Tier(nil), l.Items...)
		out[i] = l
	}
	return out
}

func formatVersion(v int64) string {
	if v <= 0 {
		v = 1
	}
	return strconv.FormatInt(v, 10)
}
