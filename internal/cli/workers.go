package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/consensus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/dag"
	"github.com/KafClaw/kafswarm/internal/registry"
	"github.com/KafClaw/kafswarm/internal/worker"
)

// graphAgents derives the in-process agents needed to run g: one per named
// agent, carrying the union of its steps' capabilities, and one per distinct
// capability set of the unassigned steps.
func graphAgents(g dag.Graph) []registry.Agent {
	caps := map[string]map[string]bool{}
	add := func(id string, tags []string) {
		if caps[id] == nil {
			caps[id] = map[string]bool{}
		}
		for _, t := range tags {
			caps[id][t] = true
		}
	}
	for _, s := range g.Steps {
		switch {
		case s.Agent != "":
			add(s.Agent, s.Capabilities)
		case len(s.Capabilities) > 0:
			tags := append([]string(nil), s.Capabilities...)
			sort.Strings(tags)
			add(workerName(tags), tags)
		default:
			add("worker-any", nil)
		}
	}

	ids := make([]string, 0, len(caps))
	for id := range caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	agents := make([]registry.Agent, 0, len(ids))
	for _, id := range ids {
		tags := make([]string, 0, len(caps[id]))
		for t := range caps[id] {
			tags = append(tags, t)
		}
		sort.Strings(tags)
		agents = append(agents, registry.Agent{ID: id, Name: id, Capabilities: tags, MaxConcurrency: 1})
	}
	return agents
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// workerName derives an agent id from sorted capability tags. Tags that
// differ only in unsafe characters share a worker, which holds both tags.
func workerName(tags []string) string {
	return "worker-" + unsafeNameChars.ReplaceAllString(strings.Join(tags, "-"), "_")
}

// echoTask completes a step by summarising it. Token counts are estimated at
// four characters per token.
func echoTask(agentID string) worker.TaskFunc {
	return func(ctx context.Context, msg *bus.Message) (worker.Result, error) {
		step := msg.PayloadString("step_id")
		summary := fmt.Sprintf("%s completed %s", agentID, step)
		if d := msg.PayloadString("description"); d != "" {
			summary += ": " + d
		}
		var inputs []string
		if in, ok := msg.Payload["inputs"].(map[string]any); ok {
			for k := range in {
				inputs = append(inputs, k)
			}
			sort.Strings(inputs)
		}
		raw, _ := json.Marshal(msg.Payload)
		return worker.Result{
			Output: map[string]any{"step": step, "summary": summary, "inputs": inputs},
			Usage: ctxstore.Usage{
				Action:       step,
				InputTokens:  len(raw) / 4,
				OutputTokens: len(summary) / 4,
			},
		}, nil
	}
}

// fixedVote always takes the same side.
func fixedVote(decision string, confidence float64) worker.Deliberator {
	return func(ctx context.Context, p consensus.Prompt) (consensus.Position, error) {
		return consensus.Position{
			Decision:   decision,
			Confidence: confidence,
			Reasoning:  fmt.Sprintf("%s prefers %s for %s", p.Agent, decision, p.Topic),
		}, nil
	}
}

// startWorkers runs one worker per agent until ctx ends. The returned func
// waits for them to unregister.
func (s *swarm) startWorkers(ctx context.Context, agents []registry.Agent, task func(id string) worker.TaskFunc, opts func(id string) []worker.Option) (func(), error) {
	for _, a := range agents {
		if err := bus.ValidateAgentID(a.ID); err != nil {
			return func() {}, err
		}
	}
	var wg sync.WaitGroup
	for _, a := range agents {
		var o []worker.Option
		if opts != nil {
			o = opts(a.ID)
		}
		var t worker.TaskFunc
		if task != nil {
			t = task(a.ID)
		}
		w := worker.New(s.bus, s.store, s.registry, a, t, o...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	if err := s.awaitSubscribed(ctx, agents, 5*time.Second); err != nil {
		return wg.Wait, err
	}
	return wg.Wait, nil
}

// awaitSubscribed blocks until every agent is registered and, on the
// in-process transport, listening.
func (s *swarm) awaitSubscribed(ctx context.Context, agents []registry.Agent, timeout time.Duration) error {
	mem, _ := s.transport.(*bus.MemoryTransport)
	deadline := time.Now().Add(timeout)
	for _, a := range agents {
		for {
			_, ok, err := s.registry.Get(ctx, a.ID)
			if err != nil {
				return err
			}
			if ok && (mem == nil || mem.Subscribers(s.bus.AgentChannel(a.ID)) > 0) {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("agent %s did not start within %s", a.ID, timeout)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}
