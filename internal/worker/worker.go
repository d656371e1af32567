// Package worker is the agent side of the swarm contract. A Worker registers
// itself, keeps its heartbeat alive, consumes its bus channel and reports
// every task through the context store keys the orchestrator waits on.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/consensus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/registry"
)

// systemCorrelation is used for agent announcements that belong to no
// workflow.
const systemCorrelation = "system"

// Result is the successful outcome of one task.
type Result struct {
	Output any
	Usage  ctxstore.Usage
}

// TaskFunc does the agent's actual work for one task message.
type TaskFunc func(ctx context.Context, msg *bus.Message) (Result, error)

// Deliberator answers one consensus prompt.
type Deliberator func(ctx context.Context, p consensus.Prompt) (consensus.Position, error)

// Option configures a Worker.
type Option func(*Worker)

// WithDeliberator lets the worker take part in debates. Without one it
// abstains.
func WithDeliberator(d Deliberator) Option {
	return func(w *Worker) { w.deliberate = d }
}

// WithHeartbeatInterval overrides the default of a third of the registry TTL.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.heartbeat = d }
}

// WithResultTTL sets the lifetime of the status, result and error entries.
// Zero uses the store default.
func WithResultTTL(d time.Duration) Option {
	return func(w *Worker) { w.resultTTL = d }
}

// Worker runs one agent.
type Worker struct {
	bus        *bus.Bus
	store      *ctxstore.Store
	registry   *registry.Registry
	agent      registry.Agent
	task       TaskFunc
	deliberate Deliberator
	heartbeat  time.Duration
	resultTTL  time.Duration
	now        func() time.Time

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates a worker for agent. reg may be nil for agents that are only
// ever addressed by id.
func New(b *bus.Bus, store *ctxstore.Store, reg *registry.Registry, agent registry.Agent, task TaskFunc, opts ...Option) *Worker {
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if agent.MaxConcurrency <= 0 {
		agent.MaxConcurrency = 1
	}
	w := &Worker{
		bus:      b,
		store:    store,
		registry: reg,
		agent:    agent,
		task:     task,
		now:      time.Now,
		slots:    make(chan struct{}, agent.MaxConcurrency),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ID returns the agent id.
func (w *Worker) ID() string { return w.agent.ID }

// Run registers the agent and consumes messages until ctx is done. In-flight
// tasks are allowed to finish before the agent unregisters.
func (w *Worker) Run(ctx context.Context) error {
	id := w.agent.ID
	if err := bus.ValidateAgentID(id); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if w.registry != nil {
		if err := w.registry.Register(ctx, w.agent); err != nil {
			return fmt.Errorf("worker %s: register: %w", id, err)
		}
		hbCtx, stop := context.WithCancel(ctx)
		defer stop()
		go w.registry.RunHeartbeat(hbCtx, w.agent, w.heartbeat)
	}
	w.announce(ctx, bus.KindAgentRegistered)
	slog.Info("Worker started", "agent_id", id, "capabilities", w.agent.Capabilities)

	err := w.bus.Subscribe(ctx, id, w.handle)
	w.wg.Wait()

	done := context.WithoutCancel(ctx)
	if w.registry != nil {
		if uerr := w.registry.Unregister(done, id); uerr != nil {
			slog.Warn("Worker: unregister failed", "agent_id", id, "error", uerr)
		}
	}
	w.announce(done, bus.KindAgentUnregistered)
	slog.Info("Worker stopped", "agent_id", id)
	return err
}

func (w *Worker) announce(ctx context.Context, kind bus.Kind) {
	msg := bus.NewBroadcast(kind, w.agent.ID, systemCorrelation, map[string]any{
		"agent_id":     w.agent.ID,
		"capabilities": w.agent.Capabilities,
		"pod":          w.agent.Pod,
	})
	if err := w.bus.Publish(ctx, msg); err != nil {
		slog.Debug("Worker: announce failed", "agent_id", w.agent.ID, "type", kind, "error", err)
	}
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) error {
	switch {
	case msg.Kind == bus.KindPositionRequest:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.answer(ctx, msg); err != nil {
				slog.Warn("Worker: position reply failed", "agent_id", w.agent.ID, "correlation_id", msg.CorrelationID, "error", err)
			}
		}()
	case msg.Broadcast:
		// Lifecycle chatter from other participants.
	case msg.Kind.Category() == bus.CategoryContent, msg.Kind.Category() == bus.CategoryReview:
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.runTask(ctx, msg)
		}()
	default:
		slog.Debug("Worker: ignoring message", "agent_id", w.agent.ID, "type", msg.Kind)
	}
	return nil
}

// runTask reports working, runs the task and reports done or error. The
// result or error entry and the registry metrics are written before the
// final status, so a reader that sees the status also sees both.
func (w *Worker) runTask(ctx context.Context, msg *bus.Message) {
	id := w.agent.ID
	corr := msg.CorrelationID
	wctx := context.WithoutCancel(ctx)

	if err := w.store.Set(wctx, corr, ctxstore.StatusKey(id), ctxstore.StatusWorking, w.resultTTL); err != nil {
		slog.Warn("Worker: status write failed", "agent_id", id, "correlation_id", corr, "error", err)
		return
	}

	start := w.now()
	res, taskErr := w.call(ctx, msg)
	latencyMs := float64(w.now().Sub(start).Microseconds()) / 1000

	status := ctxstore.StatusDone
	if taskErr != nil {
		status = ctxstore.StatusError
		if err := w.store.Set(wctx, corr, ctxstore.ErrorKey(id), taskErr.Error(), w.resultTTL); err != nil {
			slog.Warn("Worker: error write failed", "agent_id", id, "error", err)
		}
	} else {
		if err := w.store.Set(wctx, corr, ctxstore.ResultKey(id), res.Output, w.resultTTL); err != nil {
			slog.Warn("Worker: result write failed", "agent_id", id, "error", err)
			status = ctxstore.StatusError
			_ = w.store.Set(wctx, corr, ctxstore.ErrorKey(id), "result write failed: "+err.Error(), w.resultTTL)
		}
		if res.Usage != (ctxstore.Usage{}) {
			if err := w.store.Set(wctx, corr, ctxstore.UsageKey(id), res.Usage, w.resultTTL); err != nil {
				slog.Debug("Worker: usage write failed", "agent_id", id, "error", err)
			}
		}
	}
	if w.registry != nil {
		if err := w.registry.UpdateMetrics(wctx, id, latencyMs, status == ctxstore.StatusDone); err != nil {
			slog.Debug("Worker: metrics update skipped", "agent_id", id, "error", err)
		}
	}

	if err := w.store.Set(wctx, corr, ctxstore.StatusKey(id), status, w.resultTTL); err != nil {
		slog.Warn("Worker: status write failed", "agent_id", id, "correlation_id", corr, "error", err)
	}

	if msg.Origin != "" && msg.Origin != id {
		payload := map[string]any{"agent_id": id, "status": status, "latency_ms": latencyMs}
		if taskErr != nil {
			payload["error"] = taskErr.Error()
		}
		reply := bus.NewMessage(bus.KindTaskResult, id, corr, payload, msg.Origin)
		if err := w.bus.Publish(wctx, reply); err != nil {
			slog.Debug("Worker: result publish failed", "agent_id", id, "error", err)
		}
	}
	slog.Info("Task finished", "agent_id", id, "correlation_id", corr, "type", msg.Kind, "status", status, "latency_ms", latencyMs)
}

func (w *Worker) call(ctx context.Context, msg *bus.Message) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	if w.task == nil {
		return Result{}, fmt.Errorf("agent %s has no task handler", w.agent.ID)
	}
	return w.task(ctx, msg)
}

// answer writes this agent's position to the prompt's reply key. A missing
// or failing deliberator yields an abstention carrying the reason.
func (w *Worker) answer(ctx context.Context, msg *bus.Message) error {
	var p consensus.Prompt
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.Agent != "" && p.Agent != w.agent.ID {
		return nil
	}
	if p.ReplyKey == "" {
		return fmt.Errorf("position request %s has no reply key", msg.ID)
	}

	pos := consensus.Position{Decision: consensus.Abstain, Reasoning: "no deliberator"}
	if w.deliberate != nil {
		got, err := w.deliberate(ctx, p)
		if err != nil {
			pos.Reasoning = err.Error()
		} else {
			pos = got
		}
	}
	pos.Agent = w.agent.ID
	pos.Round = p.Round
	return w.store.Set(ctx, p.CorrelationID, p.ReplyKey, pos, w.resultTTL)
}
