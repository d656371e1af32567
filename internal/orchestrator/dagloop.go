package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/kafswarm/internal/dag"
)

type stepResult struct {
	stepID  string
	agentID string
	outcome AgentOutcome
	err     error
}

// ExecuteDAG registers g under id and drives it: every runnable step is sent
// to its assigned agent (or the best registry match for its capabilities),
// at most MaxParallel at a time and never two at once to the same agent.
// Completed steps feed their outputs to dependants through the "inputs"
// payload field.
//
// The loop ends when every step is COMPLETED, when ctx ends, or when nothing
// is running and nothing is runnable. In the last case the still-pending
// steps are marked BLOCKED and an error names them. It returns the outputs of
// all completed steps.
//
// On return the final step states are stored under GraphKey and the graph is
// dropped from the engine; read them back with GraphSnapshot.
func (o *Orchestrator) ExecuteDAG(ctx context.Context, id string, g dag.Graph) (map[string]any, error) {
	if err := o.dag.RegisterWorkflow(id, g); err != nil {
		return nil, err
	}
	defer o.retireGraph(ctx, id)
	return o.driveDAG(ctx, id, g)
}

// GraphKey is the context key holding a finished workflow's step states.
const GraphKey = "graph"

// GraphSnapshot returns the step states of workflow id: live while ExecuteDAG
// runs, from the context store afterwards.
func (o *Orchestrator) GraphSnapshot(ctx context.Context, id string) (dag.Graph, bool, error) {
	if g, err := o.dag.Snapshot(id); err == nil {
		return g, true, nil
	}
	var g dag.Graph
	ok, err := o.store.GetInto(ctx, id, GraphKey, &g)
	return g, ok, err
}

func (o *Orchestrator) retireGraph(ctx context.Context, id string) {
	defer o.dag.Remove(id)
	snap, err := o.dag.Snapshot(id)
	if err != nil {
		return
	}
	if err := o.store.Set(context.WithoutCancel(ctx), id, GraphKey, snap, o.cfg.WorkflowTTL); err != nil {
		slog.Warn("Orchestrator: could not persist graph state", "workflow_id", id, "error", err)
	}
}

func (o *Orchestrator) driveDAG(ctx context.Context, id string, g dag.Graph) (map[string]any, error) {
	if g.HasCycle() {
		slog.Warn("Orchestrator: workflow graph contains a cycle", "workflow_id", id)
	}

	results := make(chan stepResult)
	busy := make(map[string]bool) // agent id -> dispatched in this workflow
	running := 0
	slots := make(chan struct{}, o.cfg.MaxParallel)

	for {
		done, err := o.dag.IsWorkflowComplete(id)
		if err != nil {
			return nil, err
		}
		if done {
			return o.dag.Outputs(id)
		}

		runnable, err := o.dag.RunnableSteps(id)
		if err != nil {
			return nil, err
		}

		for _, step := range runnable {
			if running >= o.cfg.MaxParallel {
				break
			}
			agentID, err := o.resolveAgent(ctx, AgentSpec{AgentID: step.Agent, Capabilities: step.Capabilities}, busy)
			if err != nil {
				if errors.Is(err, ErrNoAgent) {
					slog.Debug("Orchestrator: no agent free for step yet", "workflow_id", id, "step", step.ID)
					continue
				}
				return nil, err
			}
			if busy[agentID] {
				continue
			}
			inputs, err := o.stepInputs(id, step)
			if err != nil {
				return nil, err
			}
			if err := o.dag.UpdateStepStatus(id, step.ID, dag.StatusRunning, nil); err != nil {
				return nil, err
			}
			busy[agentID] = true
			running++
			slots <- struct{}{}
			go o.runStep(ctx, id, step, agentID, inputs, slots, results)
		}

		if running == 0 {
			if len(runnable) == 0 {
				return o.blockRemaining(id)
			}
			// Runnable steps exist but no agent can take them: retry after a poll.
			select {
			case <-ctx.Done():
				return nil, o.dagTimeout(ctx, id)
			case <-time.After(o.cfg.PollInterval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, o.dagTimeout(ctx, id)
		case r := <-results:
			running--
			delete(busy, r.agentID)
			o.settleStep(id, r)
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, id string, step dag.Step, agentID string, inputs map[string]any, slots chan struct{}, results chan<- stepResult) {
	defer func() { <-slots }()

	payload := map[string]any{
		"workflow_id": id,
		"step_id":     step.ID,
		"description": step.Description,
		"inputs":      inputs,
	}
	slog.Info("Dispatching step", "workflow_id", id, "step", step.ID, "agent_id", agentID)
	outcomes, err := o.FanOutAgents(ctx, id, []AgentSpec{{
		AgentID: agentID,
		Action:  step.ID,
		Payload: payload,
	}}, o.cfg.BarrierTimeout)

	r := stepResult{stepID: step.ID, agentID: agentID, outcome: outcomes[agentID], err: err}
	select {
	case results <- r:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) settleStep(id string, r stepResult) {
	switch {
	case r.err != nil:
		slog.Warn("Step failed", "workflow_id", id, "step", r.stepID, "agent_id", r.agentID, "error", r.err)
		_ = o.dag.FailStep(id, r.stepID, r.err.Error())
	case !r.outcome.OK():
		slog.Warn("Step reported error", "workflow_id", id, "step", r.stepID, "agent_id", r.agentID, "error", r.outcome.Error)
		_ = o.dag.FailStep(id, r.stepID, r.outcome.Error)
	default:
		var output any
		if len(r.outcome.Result) > 0 {
			if err := r.outcome.DecodeResult(&output); err != nil {
				output = string(r.outcome.Result)
			}
		}
		_ = o.dag.UpdateStepStatus(id, r.stepID, dag.StatusCompleted, output)
		slog.Info("Step completed", "workflow_id", id, "step", r.stepID, "agent_id", r.agentID)
	}
}

func (o *Orchestrator) stepInputs(id string, step dag.Step) (map[string]any, error) {
	inputs := make(map[string]any, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		s, err := o.dag.Step(id, dep)
		if err != nil {
			return nil, err
		}
		inputs[dep] = s.Output
	}
	return inputs, nil
}

func (o *Orchestrator) blockRemaining(id string) (map[string]any, error) {
	snap, err := o.dag.Snapshot(id)
	if err != nil {
		return nil, err
	}
	var blocked, failed []string
	for _, s := range snap.Steps {
		switch s.Status {
		case dag.StatusPending:
			_ = o.dag.UpdateStepStatus(id, s.ID, dag.StatusBlocked, nil)
			blocked = append(blocked, s.ID)
		case dag.StatusFailed:
			failed = append(failed, fmt.Sprintf("%s (%s)", s.ID, s.Error))
		}
	}
	sort.Strings(blocked)
	outputs, _ := o.dag.Outputs(id)
	return outputs, fmt.Errorf("workflow %s stalled: failed steps [%s], blocked steps [%s]",
		id, strings.Join(failed, ", "), strings.Join(blocked, ", "))
}

func (o *Orchestrator) dagTimeout(ctx context.Context, id string) error {
	snap, err := o.dag.Snapshot(id)
	if err != nil {
		return ctx.Err()
	}
	var open []string
	for _, s := range snap.Steps {
		if s.Status != dag.StatusCompleted {
			open = append(open, s.ID)
		}
	}
	return fmt.Errorf("workflow %s stopped with unfinished steps [%s]: %w", id, strings.Join(open, ", "), ctx.Err())
}
