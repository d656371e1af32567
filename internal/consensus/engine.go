// Package consensus runs structured multi-round debates between agents and
// settles them with a plurality vote.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
)

// Position is one participant's stance in one round.
type Position struct {
	Agent      string  `json:"agent"`
	Round      int     `json:"round"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Prompt is what a participant sees when asked for a position. Previous is
// empty in round one and holds every participant's prior-round position
// afterwards.
type Prompt struct {
	DebateID      string         `json:"debate_id"`
	CorrelationID string         `json:"correlation_id"`
	Agent         string         `json:"agent"`
	Topic         string         `json:"topic"`
	Question      string         `json:"question"`
	Context       map[string]any `json:"context,omitempty"`
	Round         int            `json:"round"`
	Rounds        int            `json:"rounds"`
	Previous      []Position     `json:"previous,omitempty"`
	ReplyKey      string         `json:"reply_key"`
}

// Decision is the outcome of a debate.
type Decision struct {
	DebateID         string            `json:"debate_id"`
	Topic            string            `json:"topic"`
	Decision         string            `json:"decision"`
	Confidence       float64           `json:"confidence"`
	ConsensusReached bool              `json:"consensus_reached"`
	WinnerVotes      int               `json:"winner_votes"`
	Participants     int               `json:"participants"`
	Votes            map[string]string `json:"votes"`
	Reasoning        map[string]string `json:"reasoning"`
	Tally            map[string]int    `json:"tally"`
	Rounds           int               `json:"rounds"`
}

// Request describes a debate. Zero Rounds, Threshold or Timeout take the
// engine defaults.
type Request struct {
	Topic         string
	Question      string
	Participants  []string
	CorrelationID string
	Context       map[string]any
	Rounds        int
	Threshold     float64
	Timeout       time.Duration
}

// Elicitor obtains a position from one participant.
type Elicitor interface {
	Elicit(ctx context.Context, p Prompt) (Position, error)
}

// ElicitorFunc adapts a function to Elicitor.
type ElicitorFunc func(ctx context.Context, p Prompt) (Position, error)

func (f ElicitorFunc) Elicit(ctx context.Context, p Prompt) (Position, error) { return f(ctx, p) }

// Config holds engine defaults.
type Config struct {
	Rounds         int
	Threshold      float64
	Timeout        time.Duration
	ReasoningLimit int
}

// Engine runs debates, persisting every round to the context store.
type Engine struct {
	store    *ctxstore.Store
	bus      *bus.Bus
	elicitor Elicitor
	cfg      Config
}

// New creates an engine. b may be nil, in which case no events are published.
func New(store *ctxstore.Store, b *bus.Bus, elicitor Elicitor, cfg Config) *Engine {
	if cfg.Rounds <= 0 {
		cfg.Rounds = 2
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ReasoningLimit <= 0 {
		cfg.ReasoningLimit = 280
	}
	return &Engine{store: store, bus: b, elicitor: elicitor, cfg: cfg}
}

// MetaKey, RoundKey and DecisionKey name the audit entries of a debate.
func MetaKey(debateID string) string { return "debate:" + debateID + ":meta" }
func RoundKey(debateID string, round int) string { return fmt.Sprintf("debate:%s:round:%d", debateID, round) }
func DecisionKey(debateID string) string { return "debate:" + debateID + ":decision" }

// ReplyKey is where a participant answering over the bus writes its position.
func ReplyKey(debateID string, round int, agent string) string {
	return fmt.Sprintf("debate:%s:r%d:%s", debateID, round, agent)
}

type debateMeta struct {
	DebateID     string         `json:"debate_id"`
	Topic        string         `json:"topic"`
	Question     string         `json:"question"`
	Participants []string       `json:"participants"`
	Context      map[string]any `json:"context,omitempty"`
	Rounds       int            `json:"rounds"`
	Threshold    float64        `json:"threshold"`
	Timeout      string         `json:"timeout"`
	StartedAt    time.Time      `json:"started_at"`
}

// InitiateDebate runs req to completion. A participant that times out or
// fails abstains; only cancellation of ctx or a store failure aborts.
func (e *Engine) InitiateDebate(ctx context.Context, req Request) (*Decision, error) {
	if len(req.Participants) == 0 {
		return nil, fmt.Errorf("consensus: debate needs at least one participant")
	}
	rounds := req.Rounds
	if rounds <= 0 {
		rounds = e.cfg.Rounds
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.cfg.Threshold
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	perPosition := timeout / time.Duration(rounds)

	debateID := uuid.NewString()
	corr := req.CorrelationID
	if corr == "" {
		corr = "debate-" + debateID
	}
	participants := append([]string(nil), req.Participants...)
	sort.Strings(participants)

	meta := debateMeta{
		DebateID:     debateID,
		Topic:        req.Topic,
		Question:     req.Question,
		Participants: participants,
		Context:      req.Context,
		Rounds:       rounds,
		Threshold:    threshold,
		Timeout:      timeout.String(),
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.Set(ctx, corr, MetaKey(debateID), meta, 0); err != nil {
		return nil, fmt.Errorf("consensus: persist debate: %w", err)
	}
	e.publish(ctx, bus.NewBroadcast(bus.KindDebateStarted, "consensus", corr, map[string]any{
		"debate_id":    debateID,
		"topic":        req.Topic,
		"question":     req.Question,
		"participants": participants,
		"rounds":       rounds,
	}))
	slog.Info("Debate started", "debate_id", debateID, "correlation_id", corr, "participants", len(participants), "rounds", rounds)

	var previous []Position
	for round := 1; round <= rounds; round++ {
		positions, err := e.runRound(ctx, Prompt{
			DebateID:      debateID,
			CorrelationID: corr,
			Topic:         req.Topic,
			Question:      req.Question,
			Context:       req.Context,
			Round:         round,
			Rounds:        rounds,
			Previous:      e.reveal(previous),
		}, participants, perPosition)
		if err != nil {
			return nil, err
		}
		if err := e.store.Set(ctx, corr, RoundKey(debateID, round), positions, 0); err != nil {
			return nil, fmt.Errorf("consensus: persist round %d: %w", round, err)
		}
		previous = positions
	}

	d := Tally(previous, len(participants), threshold)
	d.DebateID = debateID
	d.Topic = req.Topic
	d.Rounds = rounds
	if err := e.store.Set(ctx, corr, DecisionKey(debateID), d, 0); err != nil {
		return nil, fmt.Errorf("consensus: persist decision: %w", err)
	}

	kind := bus.KindConsensusFailed
	if d.ConsensusReached {
		kind = bus.KindConsensusReach
	}
	e.publish(ctx, bus.NewBroadcast(kind, "consensus", corr, map[string]any{
		"debate_id":         debateID,
		"decision":          d.Decision,
		"confidence":        d.Confidence,
		"consensus_reached": d.ConsensusReached,
	}))
	slog.Info("Debate finished", "debate_id", debateID, "decision", d.Decision,
		"confidence", d.Confidence, "consensus_reached", d.ConsensusReached)
	return &d, nil
}

// runRound asks every participant concurrently and waits for all answers
// before returning, so nobody sees another's position from the same round.
func (e *Engine) runRound(ctx context.Context, base Prompt, participants []string, perPosition time.Duration) ([]Position, error) {
	results := make([]Position, len(participants))
	done := make(chan struct{}, len(participants))

	for i, agent := range participants {
		go func(i int, agent string) {
			defer func() { done <- struct{}{} }()
			p := base
			p.Agent = agent
			p.ReplyKey = ReplyKey(base.DebateID, base.Round, agent)
			results[i] = e.elicit(ctx, p, perPosition)
		}(i, agent)
	}
	for range participants {
		<-done
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("consensus: debate %s cancelled: %w", base.DebateID, err)
	}
	return results, nil
}

func (e *Engine) elicit(ctx context.Context, p Prompt, limit time.Duration) Position {
	pctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	type answer struct {
		pos Position
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		pos, err := e.elicitor.Elicit(pctx, p)
		ch <- answer{pos, err}
	}()

	var a answer
	select {
	case a = <-ch:
	case <-pctx.Done():
		a.err = pctx.Err()
	}

	switch {
	case a.err == nil:
		a.pos.Agent = p.Agent
		a.pos.Round = p.Round
		if a.pos.Decision == "" {
			a.pos.Decision = Abstain
		}
		a.pos.Confidence = clamp(a.pos.Confidence)
		return a.pos
	case errors.Is(a.err, context.DeadlineExceeded):
		slog.Warn("Consensus: participant timed out", "debate_id", p.DebateID, "agent", p.Agent, "round", p.Round)
		return Position{Agent: p.Agent, Round: p.Round, Decision: Abstain, Confidence: timeoutConfidence, Reasoning: "timed out"}
	default:
		slog.Warn("Consensus: participant failed", "debate_id", p.DebateID, "agent", p.Agent, "round", p.Round, "error", a.err)
		return Position{Agent: p.Agent, Round: p.Round, Decision: Abstain, Confidence: errorConfidence, Reasoning: a.err.Error()}
	}
}

// reveal copies prior-round positions with reasoning truncated.
func (e *Engine) reveal(prev []Position) []Position {
	if len(prev) == 0 {
		return nil
	}
	out := make([]Position, len(prev))
	for i, p := range prev {
		if r := []rune(p.Reasoning); len(r) > e.cfg.ReasoningLimit {
			p.Reasoning = string(r[:e.cfg.ReasoningLimit]) + "..."
		}
		out[i] = p
	}
	return out
}

func (e *Engine) publish(ctx context.Context, msg *bus.Message) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, msg); err != nil {
		slog.Warn("Consensus: publish event", "type", msg.Kind, "error", err)
	}
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
