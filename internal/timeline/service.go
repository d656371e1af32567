package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/orchestrator"
)

// TimelineService keeps the durable history of workflows, the lifecycle
// events seen on the bus and per-agent usage.
type TimelineService struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db, now: time.Now}, nil
}

// DB returns the underlying *sql.DB for shared access.
func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// WorkflowCreated inserts the workflow row.
func (s *TimelineService) WorkflowCreated(ctx context.Context, wf orchestrator.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO workflows (id, type, initiator, workspace, status, goal, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING
	`, wf.ID, wf.Type, wf.Initiator, wf.Workspace, string(wf.Status), encodeJSON(wf.Goal), wf.CreatedAt.UTC(), wf.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// WorkflowFinished records the terminal state. Workflows created before the
// service was attached are inserted on the fly.
func (s *TimelineService) WorkflowFinished(ctx context.Context, wf orchestrator.Workflow) error {
	var completed any
	if wf.CompletedAt != nil {
		completed = wf.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO workflows (id, type, initiator, workspace, status, goal, result, error_text, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		result = excluded.result,
		error_text = excluded.error_text,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at
	`, wf.ID, wf.Type, wf.Initiator, wf.Workspace, string(wf.Status), encodeJSON(wf.Goal),
		encodeJSON(wf.Result), wf.Error, wf.CreatedAt.UTC(), wf.UpdatedAt.UTC(), completed)
	if err != nil {
		return fmt.Errorf("finish workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns a workflow row, or nil when it does not exist.
func (s *TimelineService) GetWorkflow(id string) (*WorkflowRecord, error) {
	rows, err := s.db.Query(workflowSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanWorkflows(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// ListWorkflows returns workflows newest first, optionally filtered by status.
func (s *TimelineService) ListWorkflows(status string, limit, offset int) ([]WorkflowRecord, error) {
	query := workflowSelect + ` WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

const workflowSelect = `SELECT id, type, initiator, workspace, status, goal, result, error_text, created_at, updated_at, completed_at FROM workflows`

func scanWorkflows(rows *sql.Rows) ([]WorkflowRecord, error) {
	var out []WorkflowRecord
	for rows.Next() {
		var r WorkflowRecord
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Type, &r.Initiator, &r.Workspace, &r.Status, &r.Goal, &r.Result,
			&r.ErrorText, &r.CreatedAt, &r.UpdatedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HandleMessage is a bus.Handler that records lifecycle, consensus and
// system events. Content and review traffic stays in the bus audit log.
func (s *TimelineService) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind.Category() {
	case bus.CategoryLifecycle, bus.CategoryConsensus, bus.CategorySystem:
	default:
		return nil
	}
	return s.AddEvent(ctx, msg)
}

// AddEvent stores msg. A message id seen before is ignored.
func (s *TimelineService) AddEvent(ctx context.Context, msg *bus.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO workflow_events (message_id, correlation_id, kind, category, origin, payload, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING
	`, msg.ID, msg.CorrelationID, string(msg.Kind), string(msg.Kind.Category()), msg.Origin, encodeJSON(msg.Payload), ts.UTC())
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

type FilterArgs struct {
	CorrelationID string
	Kind          string
	Limit         int
	Offset        int
	StartDate     *time.Time
	EndDate       *time.Time
}

// GetEvents returns recorded events oldest first.
func (s *TimelineService) GetEvents(filter FilterArgs) ([]WorkflowEvent, error) {
	query := `SELECT id, COALESCE(message_id,''), correlation_id, kind, category, origin, payload, timestamp FROM workflow_events WHERE 1=1`
	args := []interface{}{}

	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.StartDate != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY timestamp ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WorkflowEvent
	for rows.Next() {
		var e WorkflowEvent
		if err := rows.Scan(&e.ID, &e.MessageID, &e.CorrelationID, &e.Kind, &e.Category, &e.Origin, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogUsage implements orchestrator.UsageLogger.
func (s *TimelineService) LogUsage(ctx context.Context, u orchestrator.Usage) error {
	if u.CorrelationID == "" || u.AgentID == "" {
		return errors.New("usage record needs correlation and agent ids")
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO agent_usage (workspace_id, correlation_id, agent_id, action, input_tokens, output_tokens, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.WorkspaceID, u.CorrelationID, u.AgentID, u.Action, u.InputTokens, u.OutputTokens, s.now().UTC())
	if err != nil {
		return fmt.Errorf("log usage: %w", err)
	}
	return nil
}

// ListUsage returns the usage rows of one correlation id in insertion order.
func (s *TimelineService) ListUsage(correlationID string) ([]UsageRecord, error) {
	rows, err := s.db.Query(`SELECT id, workspace_id, correlation_id, agent_id, action, input_tokens, output_tokens, created_at
		FROM agent_usage WHERE correlation_id = ? ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var u UsageRecord
		if err := rows.Scan(&u.ID, &u.WorkspaceID, &u.CorrelationID, &u.AgentID, &u.Action, &u.InputTokens, &u.OutputTokens, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageByAgent sums usage per agent, optionally for one workspace.
func (s *TimelineService) UsageByAgent(workspaceID string) ([]AgentUsage, error) {
	query := `SELECT agent_id, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM agent_usage`
	args := []interface{}{}
	if workspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " GROUP BY agent_id ORDER BY agent_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentUsage
	for rows.Next() {
		var a AgentUsage
		if err := rows.Scan(&a.AgentID, &a.Actions, &a.InputTokens, &a.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetDailyTokenUsage returns input plus output tokens logged since midnight UTC.
func (s *TimelineService) GetDailyTokenUsage() (int, error) {
	midnight := s.now().UTC().Truncate(24 * time.Hour)
	var total int
	err := s.db.QueryRow(`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM agent_usage WHERE created_at >= ?`, midnight).Scan(&total)
	return total, err
}

var (
	_ orchestrator.Sink        = (*TimelineService)(nil)
	_ orchestrator.UsageLogger = (*TimelineService)(nil)
)
