package vectorcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/calliopebot/calliope/internal/platform/logger"
	"github.com/calliopebot/calliope/internal/platform/rediscache"
)

// VectorCache is a two-tier embedding cache: a bounded in-process LRU in
// front of a compressed Redis tier. It is a performance optimization over a
// recomputable value, so every failure degrades to a miss and concurrent
// writers may race (last write wins).
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
	MGet(ctx context.Context, keys []string) map[string][]float32
	MSet(ctx context.Context, vecs map[string][]float32)
}

type Options struct {
	HotSize int
	HotTTL  time.Duration
	WarmTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		HotSize: 2048,
		HotTTL:  10 * time.Minute,
		WarmTTL: 6 * time.Hour,
	}
}

type cache struct {
	log  *logger.Logger
	hot  *expirable.LRU[string, []float32]
	warm rediscache.Store
	opts Options
}

// New builds the cache. A nil warm store leaves the cache hot-tier-only,
// which is the degraded mode when Redis is not configured.
func New(log *logger.Logger, warm rediscache.Store, opts Options) VectorCache {
	if opts.HotSize <= 0 {
		opts.HotSize = DefaultOptions().HotSize
	}
	if opts.HotTTL <= 0 {
		opts.HotTTL = DefaultOptions().HotTTL
	}
	if opts.WarmTTL <= 0 {
		opts.WarmTTL = DefaultOptions().WarmTTL
	}
	return &cache{
		log:  log.With("service", "VectorCache"),
		hot:  expirable.NewLRU[string, []float32](opts.HotSize, nil, opts.HotTTL),
		warm: warm,
		opts: opts,
	}
}

func (c *cache) Get(ctx context.Context, key string) ([]float32, bool) {
	if key == "" {
		return nil, false
	}
	if vec, ok := c.hot.Get(key); ok {
		return vec, true
	}
	if c.warm == nil {
		return nil, false
	}

	raw, err := c.warm.Get(ctx, key)
	if err != nil {
		c.log.Warn("warm tier get failed, treating as miss", "error", err)
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	vec, err := Decode(raw)
	if err != nil {
		c.log.Warn("warm tier payload undecodable, treating as miss", "error", err)
		return nil, false
	}

	// Promote into the hot tier.
	c.hot.Add(key, vec)
	return vec, true
}

func (c *cache) Set(ctx context.Context, key string, vec []float32) {
	if key == "" || len(vec) == 0 {
		return
	}
	c.hot.Add(key, vec)
	if c.warm == nil {
		return
	}
	payload, err := Encode(vec)
	if err != nil {
		c.log.Warn("vector encode failed, skipping warm tier", "error", err)
		return
	}
	if err := c.warm.Set(ctx, key, payload, c.opts.WarmTTL); err != nil {
		c.log.Warn("warm tier set failed", "error", err)
	}
}

func (c *cache) MGet(ctx context.Context, keys []string) map[string][]float32 {
	out := make(map[string][]float32, len(keys))
	missing := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if vec, ok := c.hot.Get(k); ok {
			out[k] = vec
		} else {
			missing = append(missing, k)
		}
	}
	if c.warm == nil || len(missing) == 0 {
		return out
	}

	raws, err := c.warm.MGet(ctx, missing)
	if err != nil {
		c.log.Warn("warm tier mget failed, treating as misses", "error", err)
		return out
	}
	for k, raw := range raws {
		vec, err := Decode(raw)
		if err != nil {
			c.log.Warn("warm tier payload undecodable, treating as miss", "key_hash", k, "error", err)
			continue
		}
		c.hot.Add(k, vec)
		out[k] = vec
	}
	return out
}

func (c *cache) MSet(ctx context.Context, vecs map[string][]float32) {
	if len(vecs) == 0 {
		return
	}
	payloads := make(map[string][]byte, len(vecs))
	for k, vec := range vecs {
		if k == "" || len(vec) == 0 {
			continue
		}
		c.hot.Add(k, vec)
		if c.warm == nil {
			continue
		}
		payload, err := Encode(vec)
		if err != nil {
			c.log.Warn("vector encode failed, skipping warm tier", "error", err)
			continue
		}
		payloads[k] = payload
	}
	if c.warm == nil || len(payloads) == 0 {
		return
	}
	if err := c.warm.MSet(ctx, payloads, c.opts.WarmTTL); err != nil {
		c.log.Warn("warm tier mset failed", "error", err)
	}
}
