package kv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

type entryKind int

const (
	kindString entryKind = iota
	kindSet
	kindZSet
)

type zmember struct {
	member string
	score  float64
	seq    uint64
}

type entry struct {
	kind     entryKind
	value    []byte
	set      map[string]struct{}
	zset     []zmember
	deadline time.Time
}

// MemoryBackend is a single-process Backend. TTL is enforced on every read;
// an optional janitor purges expired keys in the background.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryBackend creates an in-memory backend. janitorEvery <= 0 disables
// background purging (expired keys remain invisible regardless).
func NewMemoryBackend(janitorEvery time.Duration) *MemoryBackend {
	m := &MemoryBackend{
		entries: make(map[string]*entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if janitorEvery > 0 {
		go m.janitor(janitorEvery)
	}
	return m
}

// SetClock replaces the time source used for TTL decisions.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryBackend) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.purge(); n > 0 {
				slog.Debug("MemoryBackend: purged expired keys", "count", n)
			}
		}
	}
}

func (m *MemoryBackend) purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if expired(e.deadline, now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// live returns the entry for key if present and not expired. Caller holds mu.
func (m *MemoryBackend) live(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if expired(e.deadline, m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, false, nil
	}
	if e.kind != kindString {
		return nil, false, fmt.Errorf("kv: key %s holds a collection", key)
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{
		kind:     kindString,
		value:    append([]byte(nil), value...),
		deadline: expiresAt(m.now(), ttl),
	}
	return nil
}

func (m *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.entries[key] = &entry{
		kind:     kindString,
		value:    append([]byte(nil), value...),
		deadline: expiresAt(m.now(), ttl),
	}
	return true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryBackend) DeleteIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.kind != kindString || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return false, nil
	}
	e.deadline = expiresAt(m.now(), ttl)
	return true, nil
}

func (m *MemoryBackend) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kindString, value: []byte("0"), deadline: expiresAt(m.now(), ttl)}
		m.entries[key] = e
	}
	if e.kind != kindString {
		return 0, ErrNotInteger
	}
	cur, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (m *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for k, e := range m.entries {
		if expired(e.deadline, now) {
			continue
		}
		if Match(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) collection(key string, kind entryKind) (*entry, error) {
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kind}
		if kind == kindSet {
			e.set = make(map[string]struct{})
		}
		m.entries[key] = e
	}
	if e.kind != kind {
		return nil, fmt.Errorf("kv: key %s has a different type", key)
	}
	return e, nil
}

func (m *MemoryBackend) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.collection(key, kindSet)
	if err != nil {
		return err
	}
	for _, mem := range members {
		e.set[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.kind != kindSet {
		return nil
	}
	for _, mem := range members {
		delete(e.set, mem)
	}
	if len(e.set) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for mem := range e.set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.collection(key, kindZSet)
	if err != nil {
		return err
	}
	for i := range e.zset {
		if e.zset[i].member == member {
			e.zset[i].score = score
			sortZSet(e.zset)
			return nil
		}
	}
	m.seq++
	e.zset = append(e.zset, zmember{member: member, score: score, seq: m.seq})
	sortZSet(e.zset)
	return nil
}

func sortZSet(z []zmember) {
	sort.SliceStable(z, func(i, j int) bool {
		if z[i].score != z[j].score {
			return z[i].score < z[j].score
		}
		return z[i].seq < z[j].seq
	})
}

func (m *MemoryBackend) ZRange(_ context.Context, key string, start, stop int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.kind != kindZSet {
		return nil, nil
	}
	lo, hi, ok := rangeBounds(len(e.zset), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, hi-lo)
	for _, z := range e.zset[lo:hi] {
		out = append(out, z.member)
	}
	return out, nil
}

// rangeBounds turns inclusive [start, stop] into a half-open slice range.
func rangeBounds(n, start, stop int) (int, int, bool) {
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

// Close stops the janitor.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
