package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/config"
	"github.com/KafClaw/kafswarm/internal/consensus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/kv"
	"github.com/KafClaw/kafswarm/internal/orchestrator"
	"github.com/KafClaw/kafswarm/internal/registry"
	"github.com/KafClaw/kafswarm/internal/timeline"
)

const timelineSubscriber = "timeline"

// swarm bundles the components built from one configuration.
type swarm struct {
	cfg       *config.Config
	backend   kv.Backend
	transport bus.Transport
	bus       *bus.Bus
	store     *ctxstore.Store
	registry  *registry.Registry
	consensus *consensus.Engine
	orch      *orchestrator.Orchestrator
	timeline  *timeline.TimelineService
}

// openBackend returns the key/value store selected by cfg.Store.Backend.
func openBackend(cfg *config.Config) (kv.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		if err := config.EnsureDir(filepath.Dir(cfg.Store.SQLitePath)); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		return kv.NewSQLiteBackend(cfg.Store.SQLitePath, cfg.Store.JanitorEvery)
	case config.BackendMemory, "":
		return kv.NewMemoryBackend(cfg.Store.JanitorEvery), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openTransport(cfg *config.Config) (bus.Transport, error) {
	switch cfg.Bus.Backend {
	case config.BackendKafka:
		return bus.NewKafkaTransport(bus.KafkaOptions{
			Brokers:       cfg.Bus.Brokers(),
			ConsumerGroup: cfg.Bus.ConsumerGroup,
			SASLMechanism: cfg.Bus.SASLMechanism,
			Username:      cfg.Bus.SASLUsername,
			Password:      cfg.Bus.SASLPassword,
			TLS:           cfg.Bus.TLS,
			WriteTimeout:  cfg.Bus.WriteTimeout,
		})
	case config.BackendMemory, "":
		return bus.NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

func newRegistry(cfg *config.Config, backend kv.Backend) *registry.Registry {
	return registry.New(backend, cfg.Registry.HeartbeatTTL, registry.WithAlpha(cfg.Registry.MetricsAlpha))
}

func openTimeline(cfg *config.Config) (*timeline.TimelineService, error) {
	if err := config.EnsureDir(filepath.Dir(cfg.Paths.TimelineDB)); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return timeline.NewTimelineService(cfg.Paths.TimelineDB)
}

// buildSwarm wires every component from cfg. The caller must Close it.
func buildSwarm(cfg *config.Config) (*swarm, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := openTransport(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	tl, err := openTimeline(cfg)
	if err != nil {
		transport.Close()
		backend.Close()
		return nil, err
	}

	b := bus.New(transport, backend,
		bus.WithNamespace(cfg.Bus.Namespace),
		bus.WithAuditTTL(cfg.Bus.AuditTTL))
	store := ctxstore.New(backend, cfg.Store.DefaultTTL)
	reg := newRegistry(cfg, backend)
	eng := consensus.New(store, b, &consensus.BusElicitor{
		Bus:          b,
		Store:        store,
		Origin:       "consensus",
		PollInterval: cfg.Orchestrator.PollInterval,
	}, consensus.Config{
		Rounds:         cfg.Consensus.Rounds,
		Threshold:      cfg.Consensus.Threshold,
		Timeout:        cfg.Consensus.Timeout,
		ReasoningLimit: cfg.Consensus.ReasoningLimit,
	})
	orch := orchestrator.New(orchestrator.Deps{
		Bus:       b,
		Store:     store,
		Registry:  reg,
		Consensus: eng,
		Sink:      tl,
		Usage:     tl,
	}, orchestrator.Config{
		ID:              cfg.Orchestrator.ID,
		PollInterval:    cfg.Orchestrator.PollInterval,
		BarrierTimeout:  cfg.Orchestrator.BarrierTimeout,
		WorkflowTimeout: cfg.Orchestrator.WorkflowTimeout,
		MaxParallel:     cfg.Orchestrator.MaxParallel,
		WorkflowTTL:     cfg.Orchestrator.WorkflowTTL,
	})

	return &swarm{
		cfg:       cfg,
		backend:   backend,
		transport: transport,
		bus:       b,
		store:     store,
		registry:  reg,
		consensus: eng,
		orch:      orch,
		timeline:  tl,
	}, nil
}

// recordTimeline feeds lifecycle traffic into the timeline until ctx ends.
func (s *swarm) recordTimeline(ctx context.Context) {
	go func() {
		if err := s.bus.Subscribe(ctx, timelineSubscriber, s.timeline.HandleMessage); err != nil && ctx.Err() == nil {
			slog.Warn("Timeline: subscription ended", "error", err)
		}
	}()
	mem, ok := s.transport.(*bus.MemoryTransport)
	if !ok {
		return
	}
	deadline := time.Now().Add(2 * time.Second)
	for mem.Subscribers(s.bus.AgentChannel(timelineSubscriber)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *swarm) Close() error {
	var firstErr error
	for _, c := range []func() error{s.bus.Close, s.timeline.Close, s.backend.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
