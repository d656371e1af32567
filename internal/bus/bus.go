// Package bus provides the typed publish/subscribe message bus through which
// agents and the orchestrator communicate.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/kafswarm/internal/kv"
)

var (
	// ErrClosed is returned when publishing on a closed transport.
	ErrClosed = errors.New("bus: transport closed")
	// ErrNoRecipients is returned for a non-broadcast message without targets.
	ErrNoRecipients = errors.New("bus: message has no targets and is not a broadcast")
	// ErrInvalidAgentID is returned for an id that cannot name a channel.
	ErrInvalidAgentID = errors.New("bus: invalid agent id")
)

// Handler processes one delivered message. Errors are logged, never retried.
type Handler func(ctx context.Context, msg *Message) error

// Bus publishes messages through a Transport and keeps a per-correlation
// audit log in a kv.Backend. Delivery and audit are independent: a message
// nobody receives is still recorded.
type Bus struct {
	transport Transport
	audit     kv.Backend
	namespace string
	auditTTL  time.Duration
	now       func() time.Time
}

// Option customises a Bus.
type Option func(*Bus)

// WithNamespace prefixes every channel name, isolating swarms that share a
// transport.
func WithNamespace(ns string) Option {
	return func(b *Bus) { b.namespace = ns }
}

// WithAuditTTL expires audit logs this long after their last append.
func WithAuditTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.auditTTL = ttl }
}

// New creates a bus.
func New(transport Transport, audit kv.Backend, opts ...Option) *Bus {
	b := &Bus{
		transport: transport,
		audit:     audit,
		namespace: "default",
		auditTTL:  7 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Kafka topic names are capped at 249 characters; leave room for the prefix.
const maxAgentIDLen = 200

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateAgentID rejects ids that are not usable verbatim in a channel name.
// Ids map one to one onto channels, so two agents never share one.
func ValidateAgentID(id string) error {
	if len(id) > maxAgentIDLen || !agentIDPattern.MatchString(id) {
		return fmt.Errorf("%w %q: use 1-%d characters from [a-zA-Z0-9._-]", ErrInvalidAgentID, id, maxAgentIDLen)
	}
	return nil
}

// AgentChannel returns the channel name an agent listens on. agentID must
// pass ValidateAgentID.
func (b *Bus) AgentChannel(agentID string) string {
	return fmt.Sprintf("swarm.%s.agent.%s", b.namespace, agentID)
}

// BroadcastChannel returns the channel every subscriber listens on.
func (b *Bus) BroadcastChannel() string {
	return BroadcastTopic(b.namespace)
}

// BroadcastTopic is the broadcast channel name of namespace.
func BroadcastTopic(namespace string) string {
	return fmt.Sprintf("swarm.%s.broadcast", namespace)
}

func auditKey(correlationID string) string {
	return "audit:" + correlationID
}

// Publish delivers msg to each target's channel, or to the broadcast channel,
// then appends it to the correlation's audit log whatever the delivery outcome.
func (b *Bus) Publish(ctx context.Context, msg *Message) error {
	if msg.CorrelationID == "" {
		return fmt.Errorf("bus: message %s has no correlation id", msg.ID)
	}
	if msg.Kind == "" {
		return fmt.Errorf("bus: message %s has no type", msg.ID)
	}
	if !msg.Broadcast && len(msg.Targets) == 0 {
		return ErrNoRecipients
	}
	if !msg.Broadcast {
		for _, target := range msg.Targets {
			if err := ValidateAgentID(target); err != nil {
				return err
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
	if !msg.Kind.Known() {
		slog.Warn("Bus: publishing unknown message type", "type", msg.Kind, "correlation_id", msg.CorrelationID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}

	var deliveryErr error
	if msg.Broadcast {
		deliveryErr = b.transport.Publish(ctx, b.BroadcastChannel(), msg.CorrelationID, data)
	} else {
		for _, target := range msg.Targets {
			if err := b.transport.Publish(ctx, b.AgentChannel(target), msg.CorrelationID, data); err != nil {
				deliveryErr = errors.Join(deliveryErr, fmt.Errorf("deliver to %s: %w", target, err))
			}
		}
	}

	auditErr := b.appendAudit(ctx, msg.CorrelationID, msg.Timestamp, data)
	if deliveryErr != nil || auditErr != nil {
		return errors.Join(deliveryErr, auditErr)
	}
	slog.Debug("Bus: published", "id", msg.ID, "type", msg.Kind, "correlation_id", msg.CorrelationID,
		"targets", msg.Targets, "broadcast", msg.Broadcast)
	return nil
}

func (b *Bus) appendAudit(ctx context.Context, correlationID string, ts time.Time, data []byte) error {
	key := auditKey(correlationID)
	if err := b.audit.ZAdd(ctx, key, float64(ts.UnixMicro()), string(data)); err != nil {
		return fmt.Errorf("bus: audit append: %w", err)
	}
	if b.auditTTL > 0 {
		if _, err := b.audit.Expire(ctx, key, b.auditTTL); err != nil {
			return fmt.Errorf("bus: audit expire: %w", err)
		}
	}
	return nil
}

// Subscribe listens on the agent's own channel plus the broadcast channel and
// calls handler for each message in publish order. It blocks until ctx is
// cancelled. The agent's own broadcasts and expired messages are skipped.
func (b *Bus) Subscribe(ctx context.Context, agentID string, handler Handler) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	stream, err := b.transport.Subscribe(ctx, agentID, []string{b.AgentChannel(agentID), b.BroadcastChannel()})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", agentID, err)
	}
	slog.Info("Bus: subscribed", "agent_id", agentID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-stream:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(d.Data, &msg); err != nil {
				slog.Warn("Bus: unmarshal message", "error", err, "channel", d.Channel)
				continue
			}
			if msg.Broadcast && msg.Origin == agentID {
				continue
			}
			if msg.Expired(b.now()) {
				slog.Debug("Bus: dropping expired message", "id", msg.ID, "type", msg.Kind)
				continue
			}
			if err := handler(ctx, &msg); err != nil {
				slog.Warn("Bus: handler failed", "agent_id", agentID, "id", msg.ID, "type", msg.Kind, "error", err)
			}
		}
	}
}

// EventHistory returns the audit log for correlationID oldest-first,
// optionally filtered to kinds, capped at the first limit matches
// (limit <= 0 means no cap).
func (b *Bus) EventHistory(ctx context.Context, correlationID string, kinds []Kind, limit int) ([]*Message, error) {
	raw, err := b.audit.ZRange(ctx, auditKey(correlationID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("bus: read audit log: %w", err)
	}
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	out := make([]*Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			slog.Warn("Bus: corrupt audit entry", "correlation_id", correlationID, "error", err)
			continue
		}
		if len(want) > 0 && !want[msg.Kind] {
			continue
		}
		out = append(out, &msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close closes the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}
