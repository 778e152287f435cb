package rediscache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pkgerr "github.com/calliopebot/calliope/internal/pkg/errors"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

// Store is the binary key-value contract the vector cache's warm tier needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

type store struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewStore connects to REDIS_ADDR and verifies the connection with a ping.
func NewStore(log *logger.Logger) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &store{
		log: log.With("service", "RedisStore"),
		rdb: rdb,
	}, nil
}

// wrapUnavailable marks transport failures with the cache sentinel so callers
// can degrade to a miss without string-matching redis errors.
func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", pkgerr.ErrCacheUnavailable, err)
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return raw, nil
}

func (s *store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapUnavailable(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *store) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil || i >= len(keys) {
			continue
		}
		switch t := v.(type) {
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		}
	}
	return out, nil
}

func (s *store) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	// Pipeline SETs so each key still carries its TTL; a plain MSET would
	// leave values unexpiring.
	pipe := s.rdb.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapUnavailable(err)
}

func (s *store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapUnavailable(s.rdb.Expire(ctx, key, ttl).Err())
}

func (s *store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
