// Package cache keeps the area name -> coordinates mapping in a key-value store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/i474232898/crag-weather/internal/weather"
)

// allKeys is the enumeration pattern. The cache expects a dedicated database.
const allKeys = "*"

// KV is the subset of the key-value protocol the cache relies on.
type KV interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Get reports found=false for a missing key.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	// Del returns how many of the keys existed.
	Del(ctx context.Context, keys ...string) (int64, error)
}

// RedisKV adapts a go-redis client to KV.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, pattern).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.client.Del(ctx, keys...).Result()
}

// metadata is the stored value. The area name is the key, not part of the value.
type metadata struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AreaCache implements weather.AreaCache on top of a KV store.
type AreaCache struct {
	kv      KV
	timeout time.Duration
	logger  *zap.Logger
}

// New creates an AreaCache. timeout bounds each individual KV call; 0 disables it.
func New(kv KV, timeout time.Duration, logger *zap.Logger) *AreaCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AreaCache{
		kv:      kv,
		timeout: timeout,
		logger:  logger.Named("area-cache"),
	}
}

var _ weather.AreaCache = (*AreaCache)(nil)

// Keys returns every cached area name in no particular order.
func (c *AreaCache) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	keys, err := c.kv.Keys(ctx, allKeys)
	if err != nil {
		return nil, &weather.CacheError{Op: "keys", Err: err}
	}
	return keys, nil
}

// Get resolves one area. A missing key yields weather.ErrAreaNotFound.
func (c *AreaCache) Get(ctx context.Context, name string) (weather.Area, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	raw, found, err := c.kv.Get(ctx, name)
	if err != nil {
		return weather.Area{}, &weather.CacheError{Op: "get", Key: name, Err: err}
	}
	if !found {
		return weather.Area{}, &weather.CacheError{Op: "get", Key: name, Err: weather.ErrAreaNotFound}
	}

	var meta metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return weather.Area{}, &weather.CacheError{Op: "get", Key: name, Err: err}
	}
	return weather.Area{Name: name, Latitude: meta.Lat, Longitude: meta.Lng}, nil
}

// Put upserts one area keyed by its name.
func (c *AreaCache) Put(ctx context.Context, area weather.Area) error {
	value, err := json.Marshal(metadata{Lat: area.Latitude, Lng: area.Longitude})
	if err != nil {
		return &weather.CacheError{Op: "set", Key: area.Name, Err: err}
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.kv.Set(ctx, area.Name, string(value)); err != nil {
		return &weather.CacheError{Op: "set", Key: area.Name, Err: err}
	}
	return nil
}

// Delete removes one area. Deleting an absent key is a no-op.
func (c *AreaCache) Delete(ctx context.Context, name string) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if _, err := c.kv.Del(ctx, name); err != nil {
		return &weather.CacheError{Op: "del", Key: name, Err: err}
	}
	return nil
}

// ClearAll enumerates the keys and deletes them one by one, returning how
// many keys were actually removed.
//
// This is not atomic. The store has no bulk clear, so a writer racing with
// ClearAll can add a key after enumeration (it survives) or re-add a key that
// was just deleted. Callers that need a clean slate must stop writers first.
func (c *AreaCache) ClearAll(ctx context.Context) (int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		callCtx, cancel := c.callContext(ctx)
		n, err := c.kv.Del(callCtx, key)
		cancel()
		if err != nil {
			return deleted, &weather.CacheError{Op: "del", Key: key, Err: err}
		}
		deleted += int(n)
	}

	c.logger.Debug("area keys cleared",
		zap.Int("enumerated", len(keys)),
		zap.Int("deleted", deleted))
	return deleted, nil
}

func (c *AreaCache) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
