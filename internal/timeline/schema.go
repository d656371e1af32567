package timeline

import (
	"time"
)

// WorkflowRecord is the durable copy of an orchestrator workflow.
type WorkflowRecord struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Initiator   string     `json:"initiator"`
	Workspace   string     `json:"workspace"`
	Status      string     `json:"status"`
	Goal        string     `json:"goal,omitempty"`   // JSON
	Result      string     `json:"result,omitempty"` // JSON
	ErrorText   string     `json:"error_text,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowEvent is one bus message observed for a correlation id.
type WorkflowEvent struct {
	ID            int64     `json:"id"`
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id"`
	Kind          string    `json:"kind"`
	Category      string    `json:"category"`
	Origin        string    `json:"origin"`
	Payload       string    `json:"payload,omitempty"` // JSON
	Timestamp     time.Time `json:"timestamp"`
}

// UsageRecord is one successful agent action.
type UsageRecord struct {
	ID            int64     `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	CorrelationID string    `json:"correlation_id"`
	AgentID       string    `json:"agent_id"`
	Action        string    `json:"action"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CreatedAt     time.Time `json:"created_at"`
}

// AgentUsage aggregates UsageRecords per agent.
type AgentUsage struct {
	AgentID      string `json:"agent_id"`
	Actions      int    `json:"actions"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT '',
	initiator TEXT NOT NULL DEFAULT '',
	workspace TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	goal TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
CREATE INDEX IF NOT EXISTS idx_workflows_workspace ON workflows(workspace);

CREATE TABLE IF NOT EXISTS workflow_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE,
	correlation_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	category TEXT NOT NULL,
	origin TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_events_corr ON workflow_events(correlation_id, timestamp);

CREATE TABLE IF NOT EXISTS agent_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agent_usage_corr ON agent_usage(correlation_id);
CREATE INDEX IF NOT EXISTS idx_agent_usage_agent ON agent_usage(agent_id);
`
