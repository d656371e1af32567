// Package kv defines the shared backing store used by the bus audit log, the
// context store and the agent registry.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by IncrBy when the stored value is not an integer.
var ErrNotInteger = errors.New("kv: value is not an integer")

// Backend is a Redis-like key/value service with per-key TTL, atomic
// set-if-absent, sets, sorted sets and glob key enumeration.
//
// A ttl <= 0 means the key never expires. Expired keys are invisible to
// every read even before they are physically purged.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent (or expired). Returns true if stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfEqual removes key only while it holds exactly value. Returns
	// true if the key was removed.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)
	// Expire resets the TTL of an existing key. Returns false if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta to an integer value, creating it at 0.
	// ttl is applied only when the key is created.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Keys returns live keys matching a glob pattern ('*' and '?').
	Keys(ctx context.Context, pattern string) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRange returns members ordered by ascending score, ties in insertion
	// order. stop < 0 means through the end.
	ZRange(ctx context.Context, key string, start, stop int) ([]string, error)

	Close() error
}

// expiresAt converts a ttl into an absolute deadline (zero when ttl <= 0).
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

// Match reports whether key matches a glob pattern where '*' matches any
// run of characters (including '/' and ':') and '?' matches exactly one.
func Match(pattern, key string) bool {
	px, kx := 0, 0
	star, mark := -1, 0
	for kx < len(key) {
		switch {
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == key[kx]):
			px++
			kx++
		case px < len(pattern) && pattern[px] == '*':
			star, mark = px, kx
			px++
		case star >= 0:
			mark++
			px, kx = star+1, mark
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
