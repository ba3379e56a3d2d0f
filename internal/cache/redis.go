// Package cache provides the optional Redis identifier cache sitting in
// front of the resolver's local lookup steps. When Redis is not configured
// every method is a no-op miss, so the resolver code never branches on
// cache availability.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/metrics"
	"go.uber.org/zap"
)

// identifier entries outlive any single play session but not forever;
// a re-identification after expiry just falls through to the database
const identifierTTL = 24 * time.Hour

// IdentifierCache maps external identifiers to track ids
type IdentifierCache struct {
	client *redis.Client
}

// Singleton instance (package-level)
var globalCache *IdentifierCache

// NewIdentifierCache creates and pings a Redis-backed cache
func NewIdentifierCache(host, port, password string) (*IdentifierCache, error) {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.ErrorWithFields("Failed to connect to Redis", err)
		return nil, err
	}

	c := &IdentifierCache{client: client}
	globalCache = c

	logger.Log.Info("Redis identifier cache connected", zap.String("address", addr))

	return c, nil
}

// Get returns the global cache. May be nil; all methods are nil-safe.
func Get() *IdentifierCache {
	return globalCache
}

// Close closes the Redis connection gracefully
func (c *IdentifierCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// TrackIDByISRC returns the cached track id for an ISRC, or "" on miss
func (c *IdentifierCache) TrackIDByISRC(ctx context.Context, isrc string) string {
	return c.lookup(ctx, "isrc", "monitor:isrc:"+isrc)
}

// SetTrackISRC caches an ISRC → track id mapping
func (c *IdentifierCache) SetTrackISRC(ctx context.Context, isrc, trackID string) {
	c.store(ctx, "monitor:isrc:"+isrc, trackID)
}

// TrackIDByHash returns the cached track id for a fingerprint hash, or ""
func (c *IdentifierCache) TrackIDByHash(ctx context.Context, hash string) string {
	return c.lookup(ctx, "hash", "monitor:fp:"+hash)
}

// SetTrackHash caches a fingerprint hash → track id mapping
func (c *IdentifierCache) SetTrackHash(ctx context.Context, hash, trackID string) {
	c.store(ctx, "monitor:fp:"+hash, trackID)
}

func (c *IdentifierCache) lookup(ctx context.Context, kind, key string) string {
	if c == nil || c.client == nil {
		return ""
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("Identifier cache read failed", zap.String("key", key), zap.Error(err))
		}
		metrics.Get().CacheMissesTotal.WithLabelValues(kind).Inc()
		return ""
	}

	metrics.Get().CacheHitsTotal.WithLabelValues(kind).Inc()
	return val
}

func (c *IdentifierCache) store(ctx context.Context, key, trackID string) {
	if c == nil || c.client == nil || trackID == "" {
		return
	}

	if err := c.client.Set(ctx, key, trackID, identifierTTL).Err(); err != nil {
		logger.Warn("Identifier cache write failed", zap.String("key", key), zap.Error(err))
	}
}
