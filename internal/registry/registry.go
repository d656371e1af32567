// Package registry tracks which agents are alive, what they can do and how
// busy they are, and answers "who should take this task" queries.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/kv"
)

const allAgentsKey = "agents"

func recordKey(id string) string { return "agent:" + id }
func heartbeatKey(id string) string { return "agent:" + id + ":heartbeat" }
func capKey(tag string) string { return "cap:" + tag }
func podKey(pod string) string { return "pod:" + pod }

// Agent is the capability record of one agent.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Capabilities   []string  `json:"capabilities"`
	Pod            string    `json:"pod,omitempty"`
	Load           int       `json:"load"`
	MaxConcurrency int       `json:"max_concurrency"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	SuccessRate    float64   `json:"success_rate"`
	Samples        int       `json:"samples"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// LoadPercent is in-flight work as a fraction of capacity.
func (a Agent) LoadPercent() float64 {
	if a.MaxConcurrency <= 0 {
		return 1
	}
	return float64(a.Load) / float64(a.MaxConcurrency)
}

// Available reports whether the agent has spare capacity.
func (a Agent) Available() bool {
	return a.Load < a.MaxConcurrency
}

// HasCapabilities reports whether the agent advertises every tag in caps.
func (a Agent) HasCapabilities(caps []string) bool {
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, c := range caps {
		if !have[c] {
			return false
		}
	}
	return true
}

// Query selects agents. All listed capabilities are required.
type Query struct {
	Capabilities  []string
	Pod           string
	AvailableOnly bool
}

// Registry stores agent records in a kv.Backend. A record is live only while
// its heartbeat key exists; load and metric updates never extend liveness.
type Registry struct {
	backend kv.Backend
	ttl     time.Duration
	alpha   float64
	now     func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithAlpha sets the weight of the newest metrics sample, in (0, 1].
// 0.5 blends old and new equally.
func WithAlpha(alpha float64) Option {
	return func(r *Registry) {
		if alpha > 0 && alpha <= 1 {
			r.alpha = alpha
		}
	}
}

// New creates a registry whose records expire heartbeatTTL after the last
// register or heartbeat.
func New(backend kv.Backend, heartbeatTTL time.Duration, opts ...Option) *Registry {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	r := &Registry{backend: backend, ttl: heartbeatTTL, alpha: 0.5, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HeartbeatTTL returns the liveness window.
func (r *Registry) HeartbeatTTL() time.Duration { return r.ttl }

// Register upserts an agent record and (re)builds its index entries.
func (r *Registry) Register(ctx context.Context, a Agent) error {
	if err := bus.ValidateAgentID(a.ID); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.MaxConcurrency <= 0 {
		a.MaxConcurrency = 1
	}
	if a.Samples == 0 && a.SuccessRate == 0 {
		a.SuccessRate = 1
	}
	now := r.now().UTC()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	a.LastHeartbeat = now

	// Heartbeat first so a concurrent lookup never sees an indexed record
	// without liveness and prunes it.
	if err := r.touch(ctx, a.ID, now); err != nil {
		return err
	}

	// Drop index entries for capabilities or pod the agent no longer has.
	if prev, ok, err := r.load(ctx, a.ID); err != nil {
		return err
	} else if ok {
		if err := r.deindex(ctx, prev); err != nil {
			return err
		}
	}

	if err := r.save(ctx, a); err != nil {
		return err
	}
	if err := r.index(ctx, a); err != nil {
		return err
	}
	slog.Info("Agent registered", "agent_id", a.ID, "capabilities", a.Capabilities, "pod", a.Pod)
	return nil
}

// Heartbeat refreshes the agent's liveness window. It returns false if the
// agent is not registered, has already expired or its record was pruned;
// callers re-register in that case.
func (r *Registry) Heartbeat(ctx context.Context, id string) (bool, error) {
	ok, err := r.backend.Expire(ctx, heartbeatKey(id), r.ttl)
	if err != nil {
		return false, fmt.Errorf("registry: heartbeat %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	a, found, err := r.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	// Restore index entries a concurrent prune may have removed.
	if err := r.index(ctx, a); err != nil {
		return false, err
	}
	return true, r.touch(ctx, id, r.now().UTC())
}

func (r *Registry) touch(ctx context.Context, id string, at time.Time) error {
	v := strconv.FormatInt(at.UnixNano(), 10)
	if err := r.backend.Set(ctx, heartbeatKey(id), []byte(v), r.ttl); err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", id, err)
	}
	return nil
}

// Unregister removes the agent and every index entry pointing at it.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	a, ok, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		if err := r.deindex(ctx, a); err != nil {
			return err
		}
	}
	if err := r.backend.SRem(ctx, allAgentsKey, id); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", id, err)
	}
	if err := r.backend.Delete(ctx, recordKey(id), heartbeatKey(id)); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", id, err)
	}
	slog.Info("Agent unregistered", "agent_id", id)
	return nil
}

// Get returns a live agent record.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, bool, error) {
	a, ok, err := r.live(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return &a, true, nil
}

// List returns every live agent ordered by id.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	ids, err := r.backend.SMembers(ctx, allAgentsKey)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		a, ok, err := r.live(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindAgents returns live agents matching q, least loaded first; equal load
// is broken by higher success rate, then by id.
func (r *Registry) FindAgents(ctx context.Context, q Query) ([]Agent, error) {
	ids, err := r.candidates(ctx, q)
	if err != nil {
		return nil, err
	}

	var out []Agent
	for _, id := range ids {
		a, ok, err := r.live(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// Index sets can briefly lag a re-registration.
		if !a.HasCapabilities(q.Capabilities) {
			continue
		}
		if q.Pod != "" && a.Pod != q.Pod {
			continue
		}
		if q.AvailableOnly && !a.Available() {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LoadPercent(), out[j].LoadPercent()
		if li != lj {
			return li < lj
		}
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindBestAgent returns the head of FindAgents, or false when nobody matches.
func (r *Registry) FindBestAgent(ctx context.Context, q Query) (*Agent, bool, error) {
	agents, err := r.FindAgents(ctx, q)
	if err != nil || len(agents) == 0 {
		return nil, false, err
	}
	return &agents[0], true, nil
}

// candidates intersects the index sets named by q.
func (r *Registry) candidates(ctx context.Context, q Query) ([]string, error) {
	var sets []string
	for _, tag := range q.Capabilities {
		sets = append(sets, capKey(tag))
	}
	if q.Pod != "" {
		sets = append(sets, podKey(q.Pod))
	}
	if len(sets) == 0 {
		sets = append(sets, allAgentsKey)
	}

	var result map[string]bool
	for _, key := range sets {
		members, err := r.backend.SMembers(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("registry: read index %s: %w", key, err)
		}
		next := make(map[string]bool, len(members))
		for _, m := range members {
			if result == nil || result[m] {
				next[m] = true
			}
		}
		result = next
		if len(result) == 0 {
			return nil, nil
		}
	}

	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// UpdateLoad adds delta to the agent's in-flight count, clamping at zero.
// The read-modify-write is not guarded; concurrent writers may lose updates.
func (r *Registry) UpdateLoad(ctx context.Context, id string, delta int) (int, error) {
	a, ok, err := r.live(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("registry: agent %s not registered", id)
	}
	a.Load += delta
	if a.Load < 0 {
		a.Load = 0
	}
	if err := r.save(ctx, a); err != nil {
		return 0, err
	}
	return a.Load, nil
}

// UpdateMetrics folds one task outcome into the agent's rolling averages:
// avg' = avg + alpha*(sample - avg).
func (r *Registry) UpdateMetrics(ctx context.Context, id string, latencyMs float64, success bool) error {
	a, ok, err := r.live(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("registry: agent %s not registered", id)
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	if a.Samples == 0 {
		a.AvgLatencyMs = latencyMs
	} else {
		a.AvgLatencyMs += r.alpha * (latencyMs - a.AvgLatencyMs)
	}
	a.SuccessRate += r.alpha * (outcome - a.SuccessRate)
	a.Samples++
	return r.save(ctx, a)
}

func (r *Registry) save(ctx context.Context, a Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", a.ID, err)
	}
	if err := r.backend.Set(ctx, recordKey(a.ID), data, 0); err != nil {
		return fmt.Errorf("registry: save %s: %w", a.ID, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, id string) (Agent, bool, error) {
	var a Agent
	data, ok, err := r.backend.Get(ctx, recordKey(id))
	if err != nil {
		return a, false, fmt.Errorf("registry: load %s: %w", id, err)
	}
	if !ok {
		return a, false, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, false, fmt.Errorf("registry: decode %s: %w", id, err)
	}
	return a, true, nil
}

// live loads a record only if its heartbeat has not lapsed. Lapsed records
// are pruned from every index on the way.
func (r *Registry) live(ctx context.Context, id string) (Agent, bool, error) {
	hb, alive, err := r.backend.Get(ctx, heartbeatKey(id))
	if err != nil {
		return Agent{}, false, fmt.Errorf("registry: heartbeat %s: %w", id, err)
	}
	a, ok, err := r.load(ctx, id)
	if err != nil {
		return Agent{}, false, err
	}
	if !alive {
		if ok {
			r.prune(ctx, a)
		} else {
			_ = r.backend.SRem(ctx, allAgentsKey, id)
		}
		return Agent{}, false, nil
	}
	if !ok {
		return Agent{}, false, nil
	}
	if ns, err := strconv.ParseInt(string(hb), 10, 64); err == nil {
		a.LastHeartbeat = time.Unix(0, ns).UTC()
	}
	return a, true, nil
}

func (r *Registry) prune(ctx context.Context, a Agent) {
	// The agent may have re-registered since its heartbeat was read.
	if _, alive, err := r.backend.Get(ctx, heartbeatKey(a.ID)); err != nil || alive {
		return
	}
	if err := r.deindex(ctx, a); err != nil {
		slog.Warn("Registry: prune index", "agent_id", a.ID, "error", err)
		return
	}
	_ = r.backend.SRem(ctx, allAgentsKey, a.ID)
	_ = r.backend.Delete(ctx, recordKey(a.ID))
	slog.Debug("Registry: pruned expired agent", "agent_id", a.ID)
}

func (r *Registry) index(ctx context.Context, a Agent) error {
	for _, tag := range a.Capabilities {
		if err := r.backend.SAdd(ctx, capKey(tag), a.ID); err != nil {
			return fmt.Errorf("registry: index capability %s: %w", tag, err)
		}
	}
	if a.Pod != "" {
		if err := r.backend.SAdd(ctx, podKey(a.Pod), a.ID); err != nil {
			return fmt.Errorf("registry: index pod %s: %w", a.Pod, err)
		}
	}
	if err := r.backend.SAdd(ctx, allAgentsKey, a.ID); err != nil {
		return fmt.Errorf("registry: index agent: %w", err)
	}
	return nil
}

func (r *Registry) deindex(ctx context.Context, a Agent) error {
	for _, tag := range a.Capabilities {
		if err := r.backend.SRem(ctx, capKey(tag), a.ID); err != nil {
			return fmt.Errorf("registry: deindex %s: %w", a.ID, err)
		}
	}
	if a.Pod != "" {
		if err := r.backend.SRem(ctx, podKey(a.Pod), a.ID); err != nil {
			return fmt.Errorf("registry: deindex %s: %w", a.ID, err)
		}
	}
	return nil
}
