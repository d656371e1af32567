package timeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/orchestrator"
)

func newTestTimeline(t *testing.T) *TimelineService {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "timeline.db")
	svc, err := NewTimelineService(dbPath)
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		_ = os.RemoveAll(dir)
	})
	return svc
}

func TestWorkflowLifecycle(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	wf := orchestrator.Workflow{
		ID:        "wf-1",
		Type:      "blog_post",
		Initiator: "alice",
		Workspace: "ws-1",
		Goal:      map[string]any{"topic": "go"},
		Status:    orchestrator.StatusInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := svc.WorkflowCreated(ctx, wf); err != nil {
		t.Fatalf("created: %v", err)
	}
	got, err := svc.GetWorkflow("wf-1")
	if err != nil || got == nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != string(orchestrator.StatusInitializing) || got.Goal != `{"topic":"go"}` || got.CompletedAt != nil {
		t.Fatalf("unexpected record %+v", got)
	}

	done := now.Add(time.Minute)
	wf.Status = orchestrator.StatusFailed
	wf.Error = "writer quit"
	wf.UpdatedAt = done
	wf.CompletedAt = &done
	if err := svc.WorkflowFinished(ctx, wf); err != nil {
		t.Fatalf("finished: %v", err)
	}
	got, _ = svc.GetWorkflow("wf-1")
	if got.Status != string(orchestrator.StatusFailed) || got.ErrorText != "writer quit" {
		t.Fatalf("unexpected finished record %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("completed_at = %v, want %v", got.CompletedAt, done)
	}

	failed, err := svc.ListWorkflows(string(orchestrator.StatusFailed), 10, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("list failed: %v (%d)", err, len(failed))
	}
	if missing, err := svc.GetWorkflow("nope"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown workflow, got %+v (%v)", missing, err)
	}
}

func TestWorkflowFinishedWithoutCreate(t *testing.T) {
	svc := newTestTimeline(t)
	now := time.Now().UTC()
	wf := orchestrator.Workflow{ID: "late", Status: orchestrator.StatusComplete, Result: "ok", CreatedAt: now, UpdatedAt: now, CompletedAt: &now}
	if err := svc.WorkflowFinished(context.Background(), wf); err != nil {
		t.Fatalf("finished: %v", err)
	}
	got, _ := svc.GetWorkflow("late")
	if got == nil || got.Result != `"ok"` {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestHandleMessageRecordsLifecycleOnly(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	started := bus.NewBroadcast(bus.KindWorkflowStarted, "orchestrator", "wf-2", map[string]any{"type": "x"})
	task := bus.NewMessage(bus.KindTaskRequest, "orchestrator", "wf-2", nil, "writer")
	reached := bus.NewBroadcast(bus.KindConsensusReach, "consensus", "wf-2", nil)
	reached.Timestamp = started.Timestamp.Add(time.Second)

	for _, m := range []*bus.Message{started, task, reached, started} {
		if err := svc.HandleMessage(ctx, m); err != nil {
			t.Fatalf("handle %s: %v", m.Kind, err)
		}
	}

	events, err := svc.GetEvents(FilterArgs{CorrelationID: "wf-2"})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (duplicate and task skipped), got %d", len(events))
	}
	if events[0].Kind != string(bus.KindWorkflowStarted) || events[1].Kind != string(bus.KindConsensusReach) {
		t.Fatalf("unexpected order %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].Category != string(bus.CategoryLifecycle) || events[0].Payload != `{"type":"x"}` {
		t.Fatalf("unexpected event %+v", events[0])
	}

	only, _ := svc.GetEvents(FilterArgs{CorrelationID: "wf-2", Kind: string(bus.KindConsensusReach)})
	if len(only) != 1 {
		t.Fatalf("kind filter returned %d events", len(only))
	}
}

func TestUsageAccounting(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	records := []orchestrator.Usage{
		{WorkspaceID: "ws", CorrelationID: "wf-3", AgentID: "writer", Action: "draft", InputTokens: 100, OutputTokens: 400},
		{WorkspaceID: "ws", CorrelationID: "wf-3", AgentID: "editor", Action: "review", InputTokens: 50, OutputTokens: 10},
		{WorkspaceID: "other", CorrelationID: "wf-4", AgentID: "writer", Action: "draft", InputTokens: 1, OutputTokens: 1},
	}
	for _, u := range records {
		if err := svc.LogUsage(ctx, u); err != nil {
			t.Fatalf("log usage: %v", err)
		}
	}
	if err := svc.LogUsage(ctx, orchestrator.Usage{AgentID: "x"}); err == nil {
		t.Fatal("expected usage without correlation id to be rejected")
	}

	list, err := svc.ListUsage("wf-3")
	if err != nil || len(list) != 2 || list[0].AgentID != "writer" {
		t.Fatalf("unexpected usage list %+v (%v)", list, err)
	}

	agg, err := svc.UsageByAgent("ws")
	if err != nil {
		t.Fatalf("usage by agent: %v", err)
	}
	if len(agg) != 2 || agg[0].AgentID != "editor" || agg[1].OutputTokens != 400 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}

	total, err := svc.GetDailyTokenUsage()
	if err != nil {
		t.Fatalf("daily usage: %v", err)
	}
	if total != 562 {
		t.Fatalf("daily usage = %d, want 562", total)
	}
}
