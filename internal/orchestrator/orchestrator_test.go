package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/consensus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/dag"
	"github.com/KafClaw/kafswarm/internal/kv"
	"github.com/KafClaw/kafswarm/internal/registry"
	"github.com/KafClaw/kafswarm/internal/worker"
)

type recordingSink struct {
	mu       sync.Mutex
	created  []Workflow
	finished []Workflow
}

func (s *recordingSink) WorkflowCreated(_ context.Context, wf Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, wf)
	return nil
}

func (s *recordingSink) WorkflowFinished(_ context.Context, wf Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, wf)
	return nil
}

type recordingUsage struct {
	mu   sync.Mutex
	logs []Usage
}

func (u *recordingUsage) LogUsage(_ context.Context, usage Usage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logs = append(u.logs, usage)
	return nil
}

type swarm struct {
	tr    *bus.MemoryTransport
	bus   *bus.Bus
	store *ctxstore.Store
	reg   *registry.Registry
	orch  *Orchestrator
	sink  *recordingSink
	usage *recordingUsage
}

func newSwarm(t *testing.T) *swarm {
	t.Helper()
	backend := kv.NewMemoryBackend(0)
	t.Cleanup(func() { _ = backend.Close() })
	tr := bus.NewMemoryTransport()
	b := bus.New(tr, backend, bus.WithNamespace("test"))
	store := ctxstore.New(backend, time.Hour)
	reg := registry.New(backend, time.Minute)
	el := &consensus.BusElicitor{Bus: b, Store: store, Origin: "consensus", PollInterval: 5 * time.Millisecond}
	cons := consensus.New(store, b, el, consensus.Config{Rounds: 1, Timeout: 2 * time.Second})
	s := &swarm{tr: tr, bus: b, store: store, reg: reg, sink: &recordingSink{}, usage: &recordingUsage{}}
	s.orch = New(Deps{
		Bus:       b,
		Store:     store,
		Registry:  reg,
		Consensus: cons,
		Sink:      s.sink,
		Usage:     s.usage,
	}, Config{
		PollInterval:    5 * time.Millisecond,
		BarrierTimeout:  2 * time.Second,
		WorkflowTimeout: 5 * time.Second,
		MaxParallel:     2,
	})
	return s
}

// agent starts a worker and waits until it consumes its channel.
func (s *swarm) agent(t *testing.T, a registry.Agent, task worker.TaskFunc, opts ...worker.Option) {
	t.Helper()
	w := worker.New(s.bus, s.store, s.reg, a, task, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for s.tr.Subscribers(s.bus.AgentChannel(a.ID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("agent %s never subscribed", a.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echoTask(ctx context.Context, msg *bus.Message) (worker.Result, error) {
	return worker.Result{
		Output: map[string]any{"step": msg.PayloadString("step_id"), "inputs": msg.Payload["inputs"]},
		Usage:  ctxstore.Usage{InputTokens: 3, OutputTokens: 5},
	}, nil
}

func voter(decision string) worker.Option {
	return worker.WithDeliberator(func(ctx context.Context, p consensus.Prompt) (consensus.Position, error) {
		return consensus.Position{Decision: decision, Confidence: 0.8, Reasoning: "prefers " + decision}, nil
	})
}

func historyKinds(t *testing.T, b *bus.Bus, corr string) []bus.Kind {
	t.Helper()
	hist, err := b.EventHistory(context.Background(), corr, nil, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	kinds := make([]bus.Kind, len(hist))
	for i, m := range hist {
		kinds[i] = m.Kind
	}
	return kinds
}

func hasKind(kinds []bus.Kind, k bus.Kind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

func TestOrchestrator_WorkflowLifecycle(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()

	wf, err := s.orch.CreateWorkflow(ctx, "blog_post", map[string]any{"topic": "go"}, "alice", "ws-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wf.Status != StatusInitializing || wf.ID == "" {
		t.Fatalf("unexpected new workflow %+v", wf)
	}

	got, err := s.orch.ExecuteWorkflow(ctx, wf.ID, func(ctx context.Context, wf *Workflow) (any, error) {
		return map[string]any{"published": wf.Goal["topic"]}, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusComplete || got.CompletedAt == nil {
		t.Fatalf("expected COMPLETE, got %+v", got)
	}

	stored, err := s.orch.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusComplete {
		t.Fatalf("stored status %s", stored.Status)
	}

	kinds := historyKinds(t, s.bus, wf.ID)
	if len(kinds) != 2 || kinds[0] != bus.KindWorkflowStarted || kinds[1] != bus.KindWorkflowCompleted {
		t.Fatalf("unexpected history %v", kinds)
	}

	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	if len(s.sink.created) != 1 || len(s.sink.finished) != 1 || s.sink.finished[0].Status != StatusComplete {
		t.Fatalf("sink saw created=%d finished=%d", len(s.sink.created), len(s.sink.finished))
	}

	if _, err := s.orch.ExecuteWorkflow(ctx, wf.ID, nil); !errors.Is(err, ErrWorkflowFinished) {
		t.Fatalf("expected ErrWorkflowFinished, got %v", err)
	}
	if _, err := s.orch.GetWorkflow(ctx, "missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestOrchestrator_HandlerFailureAndPanic(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()

	wf, _ := s.orch.CreateWorkflow(ctx, "x", nil, "bob", "ws")
	got, err := s.orch.ExecuteWorkflow(ctx, wf.ID, func(ctx context.Context, wf *Workflow) (any, error) {
		return nil, errors.New("writer quit")
	})
	if err != nil {
		t.Fatalf("handler failure must not be returned as error: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "writer quit" {
		t.Fatalf("expected FAILED with reason, got %+v", got)
	}
	if !hasKind(historyKinds(t, s.bus, wf.ID), bus.KindWorkflowFailed) {
		t.Fatal("expected workflow.failed event")
	}

	wf, _ = s.orch.CreateWorkflow(ctx, "x", nil, "bob", "ws")
	got, err = s.orch.ExecuteWorkflow(ctx, wf.ID, func(ctx context.Context, wf *Workflow) (any, error) {
		panic("nil pointer somewhere")
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusFailed || !strings.Contains(got.Error, "panic") {
		t.Fatalf("expected panic to fail workflow, got %+v", got)
	}
}

func TestOrchestrator_FanOutBarrier(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	s.agent(t, registry.Agent{ID: "researcher", Capabilities: []string{"research"}}, echoTask)
	s.agent(t, registry.Agent{ID: "writer", Capabilities: []string{"write"}}, echoTask)

	wf, _ := s.orch.CreateWorkflow(ctx, "fan", nil, "carol", "ws-fan")
	outcomes, err := s.orch.FanOutAgents(ctx, wf.ID, []AgentSpec{
		{Capabilities: []string{"research"}, Payload: map[string]any{"step_id": "r"}},
		{AgentID: "writer", Action: "draft", Payload: map[string]any{"step_id": "w"}},
	}, 0)
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if len(outcomes) != 2 || !outcomes["researcher"].OK() || !outcomes["writer"].OK() {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	var res map[string]any
	if err := outcomes["writer"].DecodeResult(&res); err != nil || res["step"] != "w" {
		t.Fatalf("unexpected writer result %v (%v)", res, err)
	}

	for _, id := range []string{"researcher", "writer"} {
		a, ok, _ := s.reg.Get(ctx, id)
		if !ok || a.Load != 0 {
			t.Fatalf("load of %s should be back to 0, got %+v", id, a)
		}
	}

	s.usage.mu.Lock()
	logs := append([]Usage(nil), s.usage.logs...)
	s.usage.mu.Unlock()
	if len(logs) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(logs))
	}
	for _, u := range logs {
		if u.WorkspaceID != "ws-fan" || u.CorrelationID != wf.ID || u.OutputTokens != 5 {
			t.Fatalf("unexpected usage %+v", u)
		}
		if u.AgentID == "writer" && u.Action != "draft" {
			t.Fatalf("writer usage action = %q", u.Action)
		}
	}
}

func TestOrchestrator_BarrierTimeoutNamesPending(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	s.agent(t, registry.Agent{ID: "fast"}, echoTask)

	outcomes, err := s.orch.FanOutAgents(ctx, "wf-timeout", []AgentSpec{
		{AgentID: "fast"},
		{AgentID: "ghost"},
	}, 200*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if len(te.Pending) != 1 || te.Pending[0] != "ghost" {
		t.Fatalf("pending = %v, want [ghost]", te.Pending)
	}
	if _, ok := outcomes["fast"]; !ok {
		t.Fatalf("partial results should include fast, got %v", outcomes)
	}
	if _, ok := te.Partial["ghost"]; ok {
		t.Fatal("ghost must not appear in partial results")
	}
}

func TestOrchestrator_FanOutRejectsUnmatched(t *testing.T) {
	s := newSwarm(t)
	_, err := s.orch.FanOutAgents(context.Background(), "wf-none", []AgentSpec{{Capabilities: []string{"translate"}}}, time.Second)
	if !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
	_, err = s.orch.FanOutAgents(context.Background(), "wf-dup", []AgentSpec{{AgentID: "a"}, {AgentID: "a"}}, time.Second)
	if err == nil {
		t.Fatal("expected duplicate agent to be rejected")
	}
}

func TestOrchestrator_ResolveConflicts(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()

	res, err := s.orch.ResolveConflicts(ctx, "wf-agree", []Recommendation{
		{AgentID: "a", Decision: "publish"},
		{AgentID: "b", Decision: "publish"},
	}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Unanimous || res.Decision != "publish" || res.Consensus != nil {
		t.Fatalf("unanimous input should pass through, got %+v", res)
	}

	s.agent(t, registry.Agent{ID: "editor"}, nil, voter("publish"))
	s.agent(t, registry.Agent{ID: "legal"}, nil, voter("publish"))
	s.agent(t, registry.Agent{ID: "seo"}, nil, voter("publish"))
	s.agent(t, registry.Agent{ID: "brand"}, nil, voter("hold"))

	res, err = s.orch.ResolveConflicts(ctx, "wf-conflict", []Recommendation{
		{AgentID: "editor", Decision: "publish"},
		{AgentID: "legal", Decision: "publish"},
		{AgentID: "seo", Decision: "publish"},
		{AgentID: "brand", Decision: "hold"},
	}, map[string]any{"topic": "launch post"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Unanimous || res.Consensus == nil {
		t.Fatalf("conflict should go through consensus, got %+v", res)
	}
	if res.Decision != "publish" || res.Confidence != 0.75 || !res.Consensus.ConsensusReached {
		t.Fatalf("unexpected resolution %+v / %+v", res, res.Consensus)
	}
}

func TestOrchestrator_ParallelStageStoresAggregate(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	s.agent(t, registry.Agent{ID: "r1", Capabilities: []string{"review"}}, echoTask)

	_, err := s.orch.ExecuteParallelStage(ctx, "wf-stage", "review", []AgentSpec{
		{AgentID: "r1"},
		{AgentID: "absent"},
	}, 200*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout, got %v", err)
	}

	var sr StageResult
	ok, err := s.store.GetInto(ctx, "wf-stage", StageKey("review"), &sr)
	if err != nil || !ok {
		t.Fatalf("stage result missing: %v", err)
	}
	if sr.Stage != "review" || len(sr.Pending) != 1 || sr.Pending[0] != "absent" || !sr.Outcomes["r1"].OK() {
		t.Fatalf("unexpected stage result %+v", sr)
	}
	kinds := historyKinds(t, s.bus, "wf-stage")
	if !hasKind(kinds, bus.KindStageStarted) || !hasKind(kinds, bus.KindStageCompleted) {
		t.Fatalf("missing stage events in %v", kinds)
	}
}

func diamondGoal() map[string]any {
	return map[string]any{"dag": dag.Graph{Name: "post", Steps: []dag.Step{
		{ID: "research", Capabilities: []string{"research"}},
		{ID: "outline", Capabilities: []string{"write"}, DependsOn: []string{"research"}},
		{ID: "seo", Capabilities: []string{"seo"}, DependsOn: []string{"research"}},
		{ID: "draft", Agent: "writer", DependsOn: []string{"outline", "seo"}},
	}}}
}

func TestOrchestrator_ExecuteDAG(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	s.agent(t, registry.Agent{ID: "researcher", Capabilities: []string{"research"}}, echoTask)
	s.agent(t, registry.Agent{ID: "writer", Capabilities: []string{"write"}}, echoTask)
	s.agent(t, registry.Agent{ID: "optimizer", Capabilities: []string{"seo"}}, echoTask)

	wf, _ := s.orch.CreateWorkflow(ctx, "dag", diamondGoal(), "dana", "ws")
	got, err := s.orch.ExecuteWorkflow(ctx, wf.ID, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", got.Status, got.Error)
	}

	outputs, ok := got.Result.(map[string]any)
	if !ok || len(outputs) != 4 {
		t.Fatalf("unexpected result %#v", got.Result)
	}
	draft, _ := outputs["draft"].(map[string]any)
	inputs, _ := draft["inputs"].(map[string]any)
	if _, ok := inputs["outline"]; !ok {
		t.Fatalf("draft should receive outline output, got %v", draft)
	}
	if _, ok := inputs["seo"]; !ok {
		t.Fatalf("draft should receive seo output, got %v", draft)
	}

	if _, err := s.orch.DAG().Snapshot(wf.ID); err == nil {
		t.Fatal("finished graph should be dropped from the engine")
	}
	snap, ok, err := s.orch.GraphSnapshot(ctx, wf.ID)
	if err != nil || !ok || len(snap.Steps) != 4 {
		t.Fatalf("persisted graph missing: ok=%v err=%v", ok, err)
	}
	for _, st := range snap.Steps {
		if st.Status != dag.StatusCompleted {
			t.Fatalf("step %s is %s", st.ID, st.Status)
		}
	}
}

func TestOrchestrator_ExecuteDAGFailureBlocksDependants(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	s.agent(t, registry.Agent{ID: "researcher", Capabilities: []string{"research"}}, echoTask)
	s.agent(t, registry.Agent{ID: "writer", Capabilities: []string{"write"}}, echoTask)
	s.agent(t, registry.Agent{ID: "optimizer", Capabilities: []string{"seo"}},
		func(ctx context.Context, msg *bus.Message) (worker.Result, error) {
			return worker.Result{}, fmt.Errorf("keyword api down")
		})

	wf, _ := s.orch.CreateWorkflow(ctx, "dag", diamondGoal(), "dana", "ws")
	got, err := s.orch.ExecuteWorkflow(ctx, wf.ID, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusFailed || !strings.Contains(got.Error, "seo") || !strings.Contains(got.Error, "draft") {
		t.Fatalf("expected failure naming seo and draft, got %s: %s", got.Status, got.Error)
	}

	snap, ok, err := s.orch.GraphSnapshot(ctx, wf.ID)
	if err != nil || !ok {
		t.Fatalf("persisted graph missing: ok=%v err=%v", ok, err)
	}
	steps := map[string]dag.Step{}
	for _, st := range snap.Steps {
		steps[st.ID] = st
	}
	seo, draft := steps["seo"], steps["draft"]
	if seo.Status != dag.StatusFailed || seo.Error != "keyword api down" {
		t.Fatalf("unexpected seo step %+v", seo)
	}
	if draft.Status != dag.StatusBlocked {
		t.Fatalf("draft should be BLOCKED, got %s", draft.Status)
	}
}

func TestOrchestrator_CancelStopsExecution(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	wf, _ := s.orch.CreateWorkflow(ctx, "slow", nil, "eve", "ws")

	started := make(chan struct{})
	type result struct {
		wf  *Workflow
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := s.orch.ExecuteWorkflow(ctx, wf.ID, func(ctx context.Context, wf *Workflow) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- result{got, err}
	}()
	<-started

	if _, err := s.orch.CancelWorkflow(ctx, wf.ID, "user abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("execute: %v", r.err)
		}
		if r.wf.Status != StatusCancelled || r.wf.Error != "user abort" {
			t.Fatalf("expected CANCELLED, got %+v", r.wf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not stop the handler")
	}
	if !hasKind(historyKinds(t, s.bus, wf.ID), bus.KindWorkflowCancelled) {
		t.Fatal("expected workflow.cancelled event")
	}
	if _, err := s.orch.CancelWorkflow(ctx, wf.ID, "again"); !errors.Is(err, ErrWorkflowFinished) {
		t.Fatalf("expected ErrWorkflowFinished, got %v", err)
	}
}

func TestOrchestrator_HumanInputRoundTrip(t *testing.T) {
	s := newSwarm(t)
	ctx := context.Background()
	wf, _ := s.orch.CreateWorkflow(ctx, "approval", nil, "frank", "ws")

	done := make(chan *Workflow, 1)
	go func() {
		got, _ := s.orch.ExecuteWorkflow(ctx, wf.ID, func(ctx context.Context, wf *Workflow) (any, error) {
			raw, ok, err := s.orch.AwaitHumanInput(ctx, wf.ID, "Publish now?", 2*time.Second)
			if err != nil || !ok {
				return nil, fmt.Errorf("no human input: %v", err)
			}
			var answer string
			if err := json.Unmarshal(raw, &answer); err != nil {
				return nil, err
			}
			return answer, nil
		})
		done <- got
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, err := s.orch.GetWorkflow(ctx, wf.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cur.Status == StatusWaitingOnHuman {
			if cur.HumanPrompt != "Publish now?" {
				t.Fatalf("unexpected prompt %q", cur.HumanPrompt)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow never waited on human, status %s", cur.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.orch.ResumeWorkflow(ctx, wf.ID, "yes"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	select {
	case got := <-done:
		if got == nil || got.Status != StatusComplete || got.Result != "yes" {
			t.Fatalf("unexpected final workflow %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("workflow did not resume")
	}
	if err := s.orch.ResumeWorkflow(ctx, wf.ID, "again"); err == nil {
		t.Fatal("resume of a finished workflow should fail")
	}
}
