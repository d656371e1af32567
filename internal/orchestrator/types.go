// Package orchestrator drives swarm workflows: it creates them, fans work out
// to agents, waits on barriers, settles disagreements through consensus and
// runs dependency-graph workflows to completion.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/consensus"
)

var (
	// ErrWorkflowNotFound is returned for an unknown or expired workflow id.
	ErrWorkflowNotFound = errors.New("orchestrator: workflow not found")
	// ErrNoAgent is returned when no live agent matches a fan-out spec.
	ErrNoAgent = errors.New("orchestrator: no agent available")
	// ErrWorkflowFinished is returned when acting on a terminal workflow.
	ErrWorkflowFinished = errors.New("orchestrator: workflow already finished")
)

// Status is the workflow lifecycle state.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusInitializing   Status = "INITIALIZING"
	StatusRunning        Status = "RUNNING"
	StatusWaitingOnHuman Status = "WAITING_ON_HUMAN"
	StatusComplete       Status = "COMPLETE"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Workflow is the orchestrator-owned record of one correlation id.
type Workflow struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Initiator   string         `json:"initiator"`
	Workspace   string         `json:"workspace"`
	Goal        map[string]any `json:"goal,omitempty"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	HumanPrompt string         `json:"human_prompt,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Handler runs the body of a workflow. Its return value becomes the result.
type Handler func(ctx context.Context, wf *Workflow) (any, error)

// AgentSpec names one unit of fanned-out work. Either AgentID or
// Capabilities (optionally with Pod) selects the agent.
type AgentSpec struct {
	AgentID      string
	Capabilities []string
	Pod          string
	Kind         bus.Kind // default content.task_request
	Action       string   // usage accounting label; default the kind
	Payload      map[string]any
	Priority     bus.Priority
}

// AgentOutcome is what one agent left in the context store.
type AgentOutcome struct {
	AgentID string          `json:"agent_id"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK reports whether the agent finished successfully.
func (o AgentOutcome) OK() bool { return o.Status == "done" }

// DecodeResult unmarshals the agent's result into v.
func (o AgentOutcome) DecodeResult(v any) error {
	if len(o.Result) == 0 {
		return fmt.Errorf("agent %s left no result", o.AgentID)
	}
	return json.Unmarshal(o.Result, v)
}

// TimeoutError is returned when a barrier deadline passes with agents still
// outstanding. Partial holds the agents that did settle.
type TimeoutError struct {
	CorrelationID string
	Pending       []string
	Partial       map[string]AgentOutcome
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("orchestrator: %s timed out waiting for agents: %s",
		e.CorrelationID, strings.Join(e.Pending, ", "))
}

// Recommendation is one agent's proposed decision, input to ResolveConflicts.
type Recommendation struct {
	AgentID    string  `json:"agent_id"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Resolution is the settled decision. Consensus is nil when every
// recommendation already agreed.
type Resolution struct {
	Decision   string              `json:"decision"`
	Confidence float64             `json:"confidence"`
	Unanimous  bool                `json:"unanimous"`
	Consensus  *consensus.Decision `json:"consensus,omitempty"`
}

// StageResult is stored under StageKey after a parallel stage.
type StageResult struct {
	Stage    string                  `json:"stage"`
	Outcomes map[string]AgentOutcome `json:"outcomes"`
	Pending  []string                `json:"pending,omitempty"`
	Started  time.Time               `json:"started"`
	Finished time.Time               `json:"finished"`
}

// StageKey is the context key of a stage's aggregate result.
func StageKey(stage string) string { return "stage:" + stage }

// Sink receives workflow records at creation and completion, e.g. to
// persist them outside the context store.
type Sink interface {
	WorkflowCreated(ctx context.Context, wf Workflow) error
	WorkflowFinished(ctx context.Context, wf Workflow) error
}

// Usage is one successful agent action for cost accounting.
type Usage struct {
	WorkspaceID   string
	CorrelationID string
	AgentID       string
	Action        string
	InputTokens   int
	OutputTokens  int
}

// UsageLogger is called once per successful agent action.
type UsageLogger interface {
	LogUsage(ctx context.Context, u Usage) error
}
