package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/consensus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/dag"
	"github.com/KafClaw/kafswarm/internal/registry"
)

const (
	workflowKey   = "workflow"
	humanInputKey = "human_input"
)

// Config tunes polling and limits.
type Config struct {
	ID              string        // origin name on published messages
	PollInterval    time.Duration // barrier poll interval
	BarrierTimeout  time.Duration // default fan-out timeout
	WorkflowTimeout time.Duration // overall limit of ExecuteWorkflow
	MaxParallel     int           // concurrent DAG dispatches
	WorkflowTTL     time.Duration // lifetime of context entries written here
}

// Deps are the components the orchestrator coordinates. Consensus, DAG, Sink
// and Usage are optional.
type Deps struct {
	Bus       *bus.Bus
	Store     *ctxstore.Store
	Registry  *registry.Registry
	Consensus *consensus.Engine
	DAG       *dag.Engine
	Sink      Sink
	Usage     UsageLogger
}

// Orchestrator coordinates workflows. It owns no agent state; everything it
// knows about agents comes from the registry and the context store.
type Orchestrator struct {
	bus       *bus.Bus
	store     *ctxstore.Store
	registry  *registry.Registry
	consensus *consensus.Engine
	dag       *dag.Engine
	sink      Sink
	usage     UsageLogger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.ID == "" {
		cfg.ID = "orchestrator"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BarrierTimeout <= 0 {
		cfg.BarrierTimeout = 5 * time.Minute
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = 30 * time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	d := deps.DAG
	if d == nil {
		d = dag.NewEngine()
	}
	return &Orchestrator{
		bus:       deps.Bus,
		store:     deps.Store,
		registry:  deps.Registry,
		consensus: deps.Consensus,
		dag:       d,
		sink:      deps.Sink,
		usage:     deps.Usage,
		cfg:       cfg,
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
	}
}

// DAG exposes the graph engine backing ExecuteDAG.
func (o *Orchestrator) DAG() *dag.Engine { return o.dag }

// CreateWorkflow allocates a workflow id (the correlation id), records it as
// INITIALIZING and broadcasts the start event.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, wfType string, goal map[string]any, user, workspace string) (*Workflow, error) {
	now := o.now().UTC()
	wf := &Workflow{
		ID:        uuid.NewString(),
		Type:      wfType,
		Initiator: user,
		Workspace: workspace,
		Goal:      goal,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	wf.Status = StatusInitializing
	if err := o.saveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if o.sink != nil {
		if err := o.sink.WorkflowCreated(ctx, *wf); err != nil {
			slog.Warn("Orchestrator: sink create failed", "workflow_id", wf.ID, "error", err)
		}
	}
	o.publish(ctx, bus.NewBroadcast(bus.KindWorkflowStarted, o.cfg.ID, wf.ID, map[string]any{
		"workflow_id": wf.ID,
		"type":        wfType,
		"initiator":   user,
		"workspace":   workspace,
		"goal":        goal,
	}))
	slog.Info("Workflow created", "workflow_id", wf.ID, "type", wfType, "initiator", user)
	return wf, nil
}

// GetWorkflow loads the current workflow record.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	ok, err := o.store.GetInto(ctx, id, workflowKey, &wf)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load workflow %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return &wf, nil
}

// ExecuteWorkflow runs the workflow body and records the outcome. With a nil
// handler the goal must carry a "dag" graph, which is driven by ExecuteDAG.
//
// A handler failure is not returned: it moves the workflow to FAILED and is
// reported through the returned record. The error result is reserved for
// infrastructure problems and unknown workflows.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string, handler Handler) (*Workflow, error) {
	wf, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return wf, fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, id, wf.Status)
	}

	if handler == nil {
		handler = o.dagHandler
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer cancel()
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()

	wf.Status = StatusRunning
	if err := o.saveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	slog.Info("Workflow running", "workflow_id", id, "type", wf.Type)

	result, runErr := o.runHandler(runCtx, wf, handler)

	// Re-read: the workflow may have been cancelled while the handler ran.
	latest, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest.Status == StatusCancelled {
		slog.Info("Workflow finished after cancellation", "workflow_id", id)
		return latest, nil
	}

	now := o.now().UTC()
	wf.CompletedAt = &now
	wf.HumanPrompt = ""
	if runErr != nil {
		wf.Status = StatusFailed
		wf.Error = runErr.Error()
		wf.Result = result
	} else {
		wf.Status = StatusComplete
		wf.Result = result
	}
	if err := o.saveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if o.sink != nil {
		if err := o.sink.WorkflowFinished(ctx, *wf); err != nil {
			slog.Warn("Orchestrator: sink finish failed", "workflow_id", id, "error", err)
		}
	}

	if runErr != nil {
		slog.Warn("Workflow failed", "workflow_id", id, "error", runErr)
		o.publish(ctx, bus.NewBroadcast(bus.KindWorkflowFailed, o.cfg.ID, id, map[string]any{
			"workflow_id": id,
			"error":       wf.Error,
		}))
	} else {
		slog.Info("Workflow complete", "workflow_id", id)
		o.publish(ctx, bus.NewBroadcast(bus.KindWorkflowCompleted, o.cfg.ID, id, map[string]any{
			"workflow_id": id,
			"result":      result,
		}))
	}
	return wf, nil
}

// runHandler converts a handler panic into a workflow failure.
func (o *Orchestrator) runHandler(ctx context.Context, wf *Workflow, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow handler panic: %v", r)
		}
	}()
	return handler(ctx, wf)
}

func (o *Orchestrator) dagHandler(ctx context.Context, wf *Workflow) (any, error) {
	raw, ok := wf.Goal["dag"]
	if !ok {
		return nil, fmt.Errorf("workflow %s has no handler and no dag goal", wf.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode dag goal: %w", err)
	}
	var g dag.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode dag goal: %w", err)
	}
	return o.ExecuteDAG(ctx, wf.ID, g)
}

// CancelWorkflow marks the workflow CANCELLED and stops any barrier or DAG
// loop this process is running for it. Work already handed to agents is not
// recalled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id, reason string) (*Workflow, error) {
	wf, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return wf, fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, id, wf.Status)
	}
	now := o.now().UTC()
	wf.Status = StatusCancelled
	wf.Error = reason
	wf.CompletedAt = &now
	if err := o.saveWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	o.mu.Lock()
	cancel := o.running[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if o.sink != nil {
		if err := o.sink.WorkflowFinished(ctx, *wf); err != nil {
			slog.Warn("Orchestrator: sink finish failed", "workflow_id", id, "error", err)
		}
	}
	o.publish(ctx, bus.NewBroadcast(bus.KindWorkflowCancelled, o.cfg.ID, id, map[string]any{
		"workflow_id": id,
		"reason":      reason,
	}))
	slog.Info("Workflow cancelled", "workflow_id", id, "reason", reason)
	return wf, nil
}

// RequestHumanInput parks a running workflow in WAITING_ON_HUMAN.
func (o *Orchestrator) RequestHumanInput(ctx context.Context, id, prompt string) error {
	wf, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != StatusRunning {
		return fmt.Errorf("orchestrator: cannot wait on human from %s", wf.Status)
	}
	if err := o.store.Delete(ctx, id, humanInputKey); err != nil {
		return err
	}
	wf.Status = StatusWaitingOnHuman
	wf.HumanPrompt = prompt
	if err := o.saveWorkflow(ctx, wf); err != nil {
		return err
	}
	o.publish(ctx, bus.NewBroadcast(bus.KindWorkflowWaiting, o.cfg.ID, id, map[string]any{
		"workflow_id": id,
		"prompt":      prompt,
	}))
	return nil
}

// ResumeWorkflow records the human's input and moves the workflow back to
// RUNNING.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id string, input any) error {
	wf, err := o.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != StatusWaitingOnHuman {
		return fmt.Errorf("orchestrator: workflow %s is not waiting on human input (%s)", id, wf.Status)
	}
	if err := o.store.Set(ctx, id, humanInputKey, input, o.cfg.WorkflowTTL); err != nil {
		return err
	}
	wf.Status = StatusRunning
	wf.HumanPrompt = ""
	if err := o.saveWorkflow(ctx, wf); err != nil {
		return err
	}
	o.publish(ctx, bus.NewBroadcast(bus.KindWorkflowResumed, o.cfg.ID, id, map[string]any{
		"workflow_id": id,
	}))
	return nil
}

// AwaitHumanInput is a handler helper: it requests input and blocks until
// ResumeWorkflow supplies it or timeout passes (found == false).
func (o *Orchestrator) AwaitHumanInput(ctx context.Context, id, prompt string, timeout time.Duration) (json.RawMessage, bool, error) {
	if err := o.RequestHumanInput(ctx, id, prompt); err != nil {
		return nil, false, err
	}
	return o.store.Watch(ctx, id, humanInputKey, o.cfg.PollInterval, timeout)
}

func (o *Orchestrator) saveWorkflow(ctx context.Context, wf *Workflow) error {
	wf.UpdatedAt = o.now().UTC()
	if err := o.store.Set(ctx, wf.ID, workflowKey, wf, o.cfg.WorkflowTTL); err != nil {
		return fmt.Errorf("orchestrator: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, msg *bus.Message) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Orchestrator: publish failed", "type", msg.Kind, "correlation_id", msg.CorrelationID, "error", err)
	}
}
