package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/consensus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/registry"
)

// resolveAgent picks the agent for spec, skipping ids in exclude when
// selecting by capability.
func (o *Orchestrator) resolveAgent(ctx context.Context, spec AgentSpec, exclude map[string]bool) (string, error) {
	if spec.AgentID != "" {
		return spec.AgentID, nil
	}
	if o.registry == nil {
		return "", fmt.Errorf("%w: no registry to match %v", ErrNoAgent, spec.Capabilities)
	}
	agents, err := o.registry.FindAgents(ctx, registry.Query{
		Capabilities:  spec.Capabilities,
		Pod:           spec.Pod,
		AvailableOnly: true,
	})
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if !exclude[a.ID] {
			return a.ID, nil
		}
	}
	return "", fmt.Errorf("%w: capabilities %v pod %q", ErrNoAgent, spec.Capabilities, spec.Pod)
}

// FanOutAgents sends one targeted message per spec and waits on a barrier
// over the chosen agents. Each agent's previous status, result and error
// entries under corr are cleared before dispatch.
func (o *Orchestrator) FanOutAgents(ctx context.Context, corr string, specs []AgentSpec, timeout time.Duration) (map[string]AgentOutcome, error) {
	if len(specs) == 0 {
		return map[string]AgentOutcome{}, nil
	}
	if timeout <= 0 {
		timeout = o.cfg.BarrierTimeout
	}

	chosen := make(map[string]bool, len(specs))
	targets := make([]string, 0, len(specs))
	actions := make(map[string]string, len(specs))
	msgs := make([]*bus.Message, 0, len(specs))
	for _, spec := range specs {
		agentID, err := o.resolveAgent(ctx, spec, chosen)
		if err != nil {
			return nil, err
		}
		if chosen[agentID] {
			return nil, fmt.Errorf("orchestrator: agent %s appears twice in one fan-out", agentID)
		}
		chosen[agentID] = true
		targets = append(targets, agentID)

		kind := spec.Kind
		if kind == "" {
			kind = bus.KindTaskRequest
		}
		actions[agentID] = spec.Action
		if actions[agentID] == "" {
			actions[agentID] = string(kind)
		}
		msg := bus.NewMessage(kind, o.cfg.ID, corr, spec.Payload, agentID)
		msg.Priority = spec.Priority
		msg.TTL = int(timeout / time.Second)
		msgs = append(msgs, msg)
	}

	for _, id := range targets {
		if err := o.store.Delete(ctx, corr, ctxstore.StatusKey(id)); err != nil {
			return nil, err
		}
		_ = o.store.Delete(ctx, corr, ctxstore.ResultKey(id))
		_ = o.store.Delete(ctx, corr, ctxstore.ErrorKey(id))
		_ = o.store.Delete(ctx, corr, ctxstore.UsageKey(id))
	}

	o.adjustLoad(ctx, targets, +1)
	defer o.adjustLoad(context.WithoutCancel(ctx), targets, -1)

	for _, msg := range msgs {
		if err := o.bus.Publish(ctx, msg); err != nil {
			return nil, fmt.Errorf("orchestrator: dispatch to %v: %w", msg.Targets, err)
		}
	}
	slog.Info("Fanned out", "correlation_id", corr, "agents", targets, "timeout", timeout)

	outcomes, err := o.WaitForAgents(ctx, corr, targets, timeout)
	o.logUsage(ctx, corr, actions, outcomes)
	return outcomes, err
}

func (o *Orchestrator) adjustLoad(ctx context.Context, ids []string, delta int) {
	if o.registry == nil {
		return
	}
	for _, id := range ids {
		if _, err := o.registry.UpdateLoad(ctx, id, delta); err != nil {
			slog.Debug("Orchestrator: load update skipped", "agent_id", id, "delta", delta, "error", err)
		}
	}
}

// WaitForAgents polls each agent's status key until every id has settled as
// done or error, or the deadline passes. On timeout it returns a
// *TimeoutError naming exactly the ids still outstanding.
func (o *Orchestrator) WaitForAgents(ctx context.Context, corr string, ids []string, timeout time.Duration) (map[string]AgentOutcome, error) {
	if timeout <= 0 {
		timeout = o.cfg.BarrierTimeout
	}
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	outcomes := make(map[string]AgentOutcome, len(ids))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for id := range pending {
			out, settled, err := o.readOutcome(ctx, corr, id)
			if err != nil {
				return outcomes, err
			}
			if settled {
				outcomes[id] = out
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			return outcomes, nil
		}

		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		case <-deadline.C:
			left := make([]string, 0, len(pending))
			for id := range pending {
				left = append(left, id)
			}
			sort.Strings(left)
			slog.Warn("Barrier timed out", "correlation_id", corr, "pending", left)
			return outcomes, &TimeoutError{CorrelationID: corr, Pending: left, Partial: outcomes}
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) readOutcome(ctx context.Context, corr, id string) (AgentOutcome, bool, error) {
	status, ok, err := o.store.GetString(ctx, corr, ctxstore.StatusKey(id))
	if err != nil || !ok {
		return AgentOutcome{}, false, err
	}
	out := AgentOutcome{AgentID: id, Status: status}
	switch status {
	case ctxstore.StatusDone:
		raw, _, err := o.store.Get(ctx, corr, ctxstore.ResultKey(id))
		if err != nil {
			return out, false, err
		}
		out.Result = raw
		return out, true, nil
	case ctxstore.StatusError:
		msg, _, err := o.store.GetString(ctx, corr, ctxstore.ErrorKey(id))
		if err != nil {
			return out, false, err
		}
		if msg == "" {
			msg = "agent reported an error"
		}
		out.Error = msg
		return out, true, nil
	default:
		return out, false, nil
	}
}

func (o *Orchestrator) logUsage(ctx context.Context, corr string, actions map[string]string, outcomes map[string]AgentOutcome) {
	if o.usage == nil {
		return
	}
	workspace := ""
	if wf, err := o.GetWorkflow(ctx, corr); err == nil {
		workspace = wf.Workspace
	}
	for id, out := range outcomes {
		if !out.OK() {
			continue
		}
		var u ctxstore.Usage
		if _, err := o.store.GetInto(ctx, corr, ctxstore.UsageKey(id), &u); err != nil {
			slog.Debug("Orchestrator: unreadable usage", "agent_id", id, "error", err)
		}
		action := actions[id]
		if u.Action != "" {
			action = u.Action
		}
		if err := o.usage.LogUsage(ctx, Usage{
			WorkspaceID:   workspace,
			CorrelationID: corr,
			AgentID:       id,
			Action:        action,
			InputTokens:   u.InputTokens,
			OutputTokens:  u.OutputTokens,
		}); err != nil {
			slog.Warn("Orchestrator: usage log failed", "agent_id", id, "error", err)
		}
	}
}

// ResolveConflicts passes a unanimous set of recommendations straight
// through and otherwise runs a debate among the recommending agents.
func (o *Orchestrator) ResolveConflicts(ctx context.Context, corr string, recs []Recommendation, debateContext map[string]any) (*Resolution, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("orchestrator: no recommendations to resolve")
	}
	unanimous := true
	for _, r := range recs[1:] {
		if r.Decision != recs[0].Decision {
			unanimous = false
			break
		}
	}
	if unanimous {
		return &Resolution{Decision: recs[0].Decision, Confidence: 1, Unanimous: true}, nil
	}
	if o.consensus == nil {
		return nil, fmt.Errorf("orchestrator: recommendations conflict and no consensus engine is configured")
	}

	participants := make([]string, 0, len(recs))
	for _, r := range recs {
		participants = append(participants, r.AgentID)
	}
	dctx := make(map[string]any, len(debateContext)+1)
	for k, v := range debateContext {
		dctx[k] = v
	}
	dctx["recommendations"] = recs

	topic, _ := debateContext["topic"].(string)
	if topic == "" {
		topic = "conflicting recommendations"
	}
	question, _ := debateContext["question"].(string)
	if question == "" {
		question = "Which recommendation should the workflow adopt?"
	}

	d, err := o.consensus.InitiateDebate(ctx, consensus.Request{
		Topic:         topic,
		Question:      question,
		Participants:  participants,
		CorrelationID: corr,
		Context:       dctx,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve conflicts: %w", err)
	}
	return &Resolution{Decision: d.Decision, Confidence: d.Confidence, Consensus: d}, nil
}

// ExecuteParallelStage fans specs out as one named stage and stores the
// aggregate (including partial results on timeout) under StageKey(stage).
func (o *Orchestrator) ExecuteParallelStage(ctx context.Context, corr, stage string, specs []AgentSpec, timeout time.Duration) (map[string]AgentOutcome, error) {
	started := o.now().UTC()
	o.publish(ctx, bus.NewBroadcast(bus.KindStageStarted, o.cfg.ID, corr, map[string]any{
		"stage":  stage,
		"agents": len(specs),
	}))

	outcomes, err := o.FanOutAgents(ctx, corr, specs, timeout)

	result := StageResult{Stage: stage, Outcomes: outcomes, Started: started, Finished: o.now().UTC()}
	var te *TimeoutError
	if errors.As(err, &te) {
		result.Pending = te.Pending
	}
	if result.Outcomes == nil {
		result.Outcomes = map[string]AgentOutcome{}
	}
	if serr := o.store.Set(context.WithoutCancel(ctx), corr, StageKey(stage), result, o.cfg.WorkflowTTL); serr != nil {
		slog.Warn("Orchestrator: store stage result", "stage", stage, "error", serr)
	}

	payload := map[string]any{"stage": stage, "settled": len(result.Outcomes)}
	if len(result.Pending) > 0 {
		payload["pending"] = result.Pending
	}
	o.publish(ctx, bus.NewBroadcast(bus.KindStageCompleted, o.cfg.ID, corr, payload))
	return outcomes, err
}
