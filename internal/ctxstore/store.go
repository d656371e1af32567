// Package ctxstore is the workflow-scoped shared scratchpad. Every entry
// lives under a correlation id; agents and the orchestrator exchange status
// and results only through it.
package ctxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/kafswarm/internal/kv"
)

// Agent status values written under StatusKey.
const (
	StatusWorking = "working"
	StatusDone    = "done"
	StatusError   = "error"
)

// StatusKey is the key an agent writes its status to.
func StatusKey(agentID string) string { return agentID + "_status" }

// ResultKey is the key an agent writes its result to.
func ResultKey(agentID string) string { return agentID + "_result" }

// ErrorKey is the key an agent writes its error text to.
func ErrorKey(agentID string) string { return agentID + "_error" }

// UsageKey is the key an agent writes token usage for its last action to.
func UsageKey(agentID string) string { return agentID + "_usage" }

// Usage is the token accounting an agent may report alongside a result.
type Usage struct {
	Action       string `json:"action,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Store wraps a kv.Backend with correlation namespacing, JSON values and
// cooperative locks.
type Store struct {
	backend    kv.Backend
	defaultTTL time.Duration
}

// New creates a store. defaultTTL applies when a write passes ttl == 0;
// a negative ttl means the entry never expires.
func New(backend kv.Backend, defaultTTL time.Duration) *Store {
	return &Store{backend: backend, defaultTTL: defaultTTL}
}

// Backend exposes the underlying kv service.
func (s *Store) Backend() kv.Backend { return s.backend }

func dataKey(corr, key string) string { return "ctx:" + corr + ":" + key }
func lockKey(corr, resource string) string { return "lock:" + corr + ":" + resource }

func (s *Store) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return s.defaultTTL
	}
	return ttl
}

// Set stores value (JSON encoded) under key. Last writer wins.
func (s *Store) Set(ctx context.Context, corr, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ctxstore: encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, dataKey(corr, key), data, s.ttl(ttl)); err != nil {
		return fmt.Errorf("ctxstore: set %s/%s: %w", corr, key, err)
	}
	return nil
}

// Get returns the raw JSON value of key and whether it exists.
func (s *Store) Get(ctx context.Context, corr, key string) (json.RawMessage, bool, error) {
	data, ok, err := s.backend.Get(ctx, dataKey(corr, key))
	if err != nil {
		return nil, false, fmt.Errorf("ctxstore: get %s/%s: %w", corr, key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(data), true, nil
}

// GetInto decodes key into v. It returns false without touching v when the
// key is absent.
func (s *Store) GetInto(ctx context.Context, corr, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, corr, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("ctxstore: decode %s/%s: %w", corr, key, err)
	}
	return true, nil
}

// GetString decodes a string entry.
func (s *Store) GetString(ctx context.Context, corr, key string) (string, bool, error) {
	var v string
	ok, err := s.GetInto(ctx, corr, key, &v)
	return v, ok, err
}

// Keys lists the live keys under corr, without the namespace prefix.
func (s *Store) Keys(ctx context.Context, corr string) ([]string, error) {
	prefix := dataKey(corr, "")
	full, err := s.backend.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("ctxstore: keys %s: %w", corr, err)
	}
	out := make([]string, 0, len(full))
	for _, k := range full {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

// GetAll returns every live key/value pair under corr.
func (s *Store) GetAll(ctx context.Context, corr string) (map[string]json.RawMessage, error) {
	keys, err := s.Keys(ctx, corr)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		raw, ok, err := s.Get(ctx, corr, k)
		if err != nil {
			return nil, err
		}
		// expired between enumeration and read
		if !ok {
			continue
		}
		out[k] = raw
	}
	return out, nil
}

// Increment atomically adds delta to an integer entry, creating it at zero
// with the default TTL.
func (s *Store) Increment(ctx context.Context, corr, key string, delta int64) (int64, error) {
	n, err := s.backend.IncrBy(ctx, dataKey(corr, key), delta, s.defaultTTL)
	if err != nil {
		return 0, fmt.Errorf("ctxstore: increment %s/%s: %w", corr, key, err)
	}
	return n, nil
}

// Delete removes a single entry.
func (s *Store) Delete(ctx context.Context, corr, key string) error {
	if err := s.backend.Delete(ctx, dataKey(corr, key)); err != nil {
		return fmt.Errorf("ctxstore: delete %s/%s: %w", corr, key, err)
	}
	return nil
}

// Clear tears down the whole namespace of corr, including its locks.
func (s *Store) Clear(ctx context.Context, corr string) error {
	var all []string
	for _, pattern := range []string{dataKey(corr, "*"), lockKey(corr, "*")} {
		keys, err := s.backend.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("ctxstore: clear %s: %w", corr, err)
		}
		all = append(all, keys...)
	}
	if len(all) == 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, all...); err != nil {
		return fmt.Errorf("ctxstore: clear %s: %w", corr, err)
	}
	slog.Debug("ContextStore: cleared namespace", "correlation_id", corr, "keys", len(all))
	return nil
}

// Watch polls key every pollInterval until it appears, timeout elapses or
// ctx is done. A timeout is not an error: it returns found == false.
func (s *Store) Watch(ctx context.Context, corr, key string, pollInterval, timeout time.Duration) (json.RawMessage, bool, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		raw, ok, err := s.Get(ctx, corr, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return raw, true, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			slog.Debug("ContextStore: watch timed out", "correlation_id", corr, "key", key, "timeout", timeout)
			return nil, false, nil
		case <-ticker.C:
		}
	}
}

// DefaultLockTTL bounds a lock taken with ttl <= 0 when the store has no
// positive default TTL.
const DefaultLockTTL = 30 * time.Second

// Lock tries to take resource for holder. It never blocks: false means
// someone else holds it. The lock expires after ttl if not released; ttl <= 0
// uses the store default, and locks never outlive DefaultLockTTL without one.
func (s *Store) Lock(ctx context.Context, corr, resource, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := s.backend.SetNX(ctx, lockKey(corr, resource), []byte(holder), ttl)
	if err != nil {
		return false, fmt.Errorf("ctxstore: lock %s/%s: %w", corr, resource, err)
	}
	if !ok {
		slog.Debug("ContextStore: lock contended", "correlation_id", corr, "resource", resource, "holder", holder)
	}
	return ok, nil
}

// Unlock releases resource if holder owns it. Returns false otherwise.
func (s *Store) Unlock(ctx context.Context, corr, resource, holder string) (bool, error) {
	ok, err := s.backend.DeleteIfEqual(ctx, lockKey(corr, resource), []byte(holder))
	if err != nil {
		return false, fmt.Errorf("ctxstore: unlock %s/%s: %w", corr, resource, err)
	}
	return ok, nil
}

// IsLocked returns the current holder of resource, if any.
func (s *Store) IsLocked(ctx context.Context, corr, resource string) (string, bool, error) {
	data, ok, err := s.backend.Get(ctx, lockKey(corr, resource))
	if err != nil {
		return "", false, fmt.Errorf("ctxstore: is-locked %s/%s: %w", corr, resource, err)
	}
	return string(data), ok, nil
}
