package verification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "devlink:verification:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps entries in Redis with a native key TTL, so several gateway
// instances can share codes. DEL is atomic, which keeps Remove single-winner
// across instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects lazily; the first failing command is logged and
// treated as absent.
func NewRedisStore(opts RedisOptions) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})
	return NewRedisStoreWithClient(rdb, opts.Prefix)
}

// NewRedisStoreWithClient wraps an existing client. The store owns rdb and
// closes it on Close.
func NewRedisStoreWithClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	ttl = effectiveTTL(ttl)
	entry.TTL = ttl
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("verification: marshal entry", "key", key, "error", err)
		return false
	}
	if err := s.rdb.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		slog.Error("verification: redis set failed", "key", key, "error", err)
		return false
	}
	return true
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false
	}
	if err != nil {
		slog.Error("verification: redis get failed", "key", key, "error", err)
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Error("verification: corrupt entry", "key", key, "error", err)
		return Entry{}, false
	}
	return e, true
}

func (s *RedisStore) Remove(ctx context.Context, key string) bool {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		slog.Error("verification: redis del failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

// Ping checks the connection; used by doctor and at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
