// Package verification holds short-lived verification codes.
//
// A device shows a 6-digit code on its own display and reports it to the
// gateway; an operator then types the same code into the admin console.
// Entries are keyed by device identifier, so there is at most one live code
// per device. Expiry is active: the memory backend arms a timer per entry and
// the Redis backend relies on the key TTL, so an expired entry is never
// returned.
package verification

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is how long a verification code remains valid.
const DefaultTTL = 300 * time.Second

// Entry is a code bound to a device.
type Entry struct {
	DeviceID  string        `json:"device_id"`
	Code      string        `json:"code"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the entry stops being valid.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Store keeps verification entries with per-entry expiry.
//
// All methods fail closed: a backend failure is logged and reported as
// false / absent, never returned as an error.
type Store interface {
	// Set stores entry under key, replacing any previous entry and restarting
	// its expiry. A ttl <= 0 stores the entry with DefaultTTL.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) bool
	// Get returns the live entry stored under key.
	Get(ctx context.Context, key string) (Entry, bool)
	// Remove deletes key. It returns true only if this call removed a live entry,
	// which makes it usable as a single-winner consume.
	Remove(ctx context.Context, key string) bool
	// Close releases timers or connections held by the store.
	Close() error
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// New builds the configured store. An unknown backend is an error; there is
// no fallback implementation.
func New(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("verification: redis backend requires an address")
		}
		return NewRedisStore(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.KeyPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("verification: unknown backend %q", opts.Backend)
	}
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
