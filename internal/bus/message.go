package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the version of the Kind enumeration. New kinds are
// additive; existing values never change meaning.
const SchemaVersion = 1

// Category groups kinds into the closed set of message families.
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryContent   Category = "content"
	CategoryReview    Category = "review"
	CategoryConsensus Category = "consensus"
	CategorySystem    Category = "system"
	CategoryUnknown   Category = "unknown"
)

// Kind is the message type. Values outside the known set decode without
// error but report CategoryUnknown, so newer producers do not break older
// consumers.
type Kind string

// Workflow lifecycle.
const (
	KindWorkflowStarted   Kind = "workflow.started"
	KindWorkflowCompleted Kind = "workflow.completed"
	KindWorkflowFailed    Kind = "workflow.failed"
	KindWorkflowCancelled Kind = "workflow.cancelled"
	KindWorkflowWaiting   Kind = "workflow.waiting_on_human"
	KindWorkflowResumed   Kind = "workflow.resumed"
	KindStageStarted      Kind = "workflow.stage_started"
	KindStageCompleted    Kind = "workflow.stage_completed"
)

// Content pipeline.
const (
	KindTaskRequest Kind = "content.task_request"
	KindTaskResult  Kind = "content.task_result"
	KindDraftReady  Kind = "content.draft_ready"
)

// Review.
const (
	KindReviewRequest  Kind = "review.request"
	KindReviewFeedback Kind = "review.feedback"
	KindReviewApproved Kind = "review.approved"
	KindReviewRejected Kind = "review.rejected"
)

// Consensus.
const (
	KindDebateStarted   Kind = "consensus.started"
	KindPositionRequest Kind = "consensus.position_request"
	KindPosition        Kind = "consensus.position"
	KindConsensusReach  Kind = "consensus.reached"
	KindConsensusFailed Kind = "consensus.failed"
)

// System and error.
const (
	KindHeartbeat         Kind = "system.heartbeat"
	KindAgentRegistered   Kind = "system.agent_registered"
	KindAgentUnregistered Kind = "system.agent_unregistered"
	KindError             Kind = "system.error"
	KindShutdown          Kind = "system.shutdown"
)

var kindCategories = map[Kind]Category{
	KindWorkflowStarted:   CategoryLifecycle,
	KindWorkflowCompleted: CategoryLifecycle,
	KindWorkflowFailed:    CategoryLifecycle,
	KindWorkflowCancelled: CategoryLifecycle,
	KindWorkflowWaiting:   CategoryLifecycle,
	KindWorkflowResumed:   CategoryLifecycle,
	KindStageStarted:      CategoryLifecycle,
	KindStageCompleted:    CategoryLifecycle,

	KindTaskRequest: CategoryContent,
	KindTaskResult:  CategoryContent,
	KindDraftReady:  CategoryContent,

	KindReviewRequest:  CategoryReview,
	KindReviewFeedback: CategoryReview,
	KindReviewApproved: CategoryReview,
	KindReviewRejected: CategoryReview,

	KindDebateStarted:   CategoryConsensus,
	KindPositionRequest: CategoryConsensus,
	KindPosition:        CategoryConsensus,
	KindConsensusReach:  CategoryConsensus,
	KindConsensusFailed: CategoryConsensus,

	KindHeartbeat:         CategorySystem,
	KindAgentRegistered:   CategorySystem,
	KindAgentUnregistered: CategorySystem,
	KindError:             CategorySystem,
	KindShutdown:          CategorySystem,
}

// Category returns the family of k, or CategoryUnknown for unrecognised kinds.
func (k Kind) Category() Category {
	if c, ok := kindCategories[k]; ok {
		return c
	}
	return CategoryUnknown
}

// Known reports whether k is part of the current enumeration.
func (k Kind) Known() bool {
	_, ok := kindCategories[k]
	return ok
}

// Priority orders message urgency. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

var priorityNames = [...]string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}

func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityLow {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityCritical || p > PriorityLow {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(priorityNames[p]), nil
}

// UnmarshalText decodes a priority name; unknown names fall back to MEDIUM.
func (p *Priority) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range priorityNames {
		if n == name {
			*p = Priority(i)
			return nil
		}
	}
	*p = PriorityMedium
	return nil
}

// Message is the wire format for all agent communication. A message is
// immutable once published and always belongs to one correlation id.
type Message struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"type"`
	Origin        string         `json:"origin"`
	Targets       []string       `json:"targets"`
	Broadcast     bool           `json:"broadcast"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	TTL           int            `json:"ttl"` // seconds; 0 = no expiry
}

// NewMessage builds a targeted message with a fresh id and MEDIUM priority.
func NewMessage(kind Kind, origin, correlationID string, payload map[string]any, targets ...string) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Kind:          kind,
		Origin:        origin,
		Targets:       targets,
		Payload:       payload,
		Priority:      PriorityMedium,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewBroadcast builds a message delivered to every subscriber.
func NewBroadcast(kind Kind, origin, correlationID string, payload map[string]any) *Message {
	m := NewMessage(kind, origin, correlationID, payload)
	m.Broadcast = true
	return m
}

// Expired reports whether the message TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 || m.Timestamp.IsZero() {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTL) * time.Second))
}

// EncodePayload converts a struct into a message payload via its JSON form.
func EncodePayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload must be an object: %w", err)
	}
	return out, nil
}

// DecodePayload converts the structured payload into v.
func (m *Message) DecodePayload(v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// PayloadString returns a string field of the payload, or "".
func (m *Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}
