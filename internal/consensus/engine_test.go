package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
	"github.com/KafClaw/kafswarm/internal/kv"
)

func newTestStore(t *testing.T) *ctxstore.Store {
	t.Helper()
	b := kv.NewMemoryBackend(0)
	t.Cleanup(func() { _ = b.Close() })
	return ctxstore.New(b, time.Hour)
}

// fixedVotes answers every round with a preset decision per agent.
func fixedVotes(decisions map[string]string) ElicitorFunc {
	return func(_ context.Context, p Prompt) (Position, error) {
		return Position{Decision: decisions[p.Agent], Confidence: 0.9, Reasoning: "because"}, nil
	}
}

func TestTally_ThreeOfFour(t *testing.T) {
	positions := []Position{
		{Agent: "a", Decision: "approve", Confidence: 0.9},
		{Agent: "b", Decision: "approve", Confidence: 0.6},
		{Agent: "c", Decision: "approve", Confidence: 0.7},
		{Agent: "d", Decision: "reject", Confidence: 1.0},
	}
	d := Tally(positions, 4, 0.7)
	if d.Decision != "approve" || !d.ConsensusReached || d.Confidence != 0.75 {
		t.Fatalf("expected approve/true/0.75, got %s/%v/%v", d.Decision, d.ConsensusReached, d.Confidence)
	}
	if d.Votes["d"] != "reject" || d.Tally["approve"] != 3 {
		t.Fatalf("unexpected votes %+v tally %+v", d.Votes, d.Tally)
	}
}

func TestTally_BelowThreshold(t *testing.T) {
	positions := []Position{
		{Agent: "a", Decision: "x"},
		{Agent: "b", Decision: "x"},
		{Agent: "c", Decision: "y"},
		{Agent: "d", Decision: Abstain, Confidence: 0.2},
	}
	d := Tally(positions, 4, 0.7)
	if d.Decision != "x" || d.ConsensusReached || d.Confidence != 0.5 {
		t.Fatalf("expected x/false/0.5, got %s/%v/%v", d.Decision, d.ConsensusReached, d.Confidence)
	}
}

func TestTally_TieBreakIsDeterministic(t *testing.T) {
	byConfidence := []Position{
		{Agent: "a", Decision: "alpha", Confidence: 0.4},
		{Agent: "b", Decision: "beta", Confidence: 0.9},
	}
	for i := 0; i < 20; i++ {
		if d := Tally(byConfidence, 2, 0.5); d.Decision != "beta" {
			t.Fatalf("expected higher summed confidence to win tie, got %s", d.Decision)
		}
	}

	byName := []Position{
		{Agent: "a", Decision: "zeta", Confidence: 0.5},
		{Agent: "b", Decision: "eta", Confidence: 0.5},
	}
	for i := 0; i < 20; i++ {
		if d := Tally(byName, 2, 0.5); d.Decision != "eta" {
			t.Fatalf("expected lexicographically smallest to win exact tie, got %s", d.Decision)
		}
	}
}

func TestTally_AbstentionsOnlyWinUnanimously(t *testing.T) {
	d := Tally([]Position{
		{Agent: "a", Decision: Abstain, Confidence: 0.2},
		{Agent: "b", Decision: Abstain, Confidence: 0.2},
		{Agent: "c", Decision: "go", Confidence: 0.3},
	}, 3, 0.3)
	if d.Decision != "go" {
		t.Fatalf("a single real vote should beat abstentions, got %s", d.Decision)
	}

	d = Tally([]Position{{Agent: "a", Decision: Abstain}, {Agent: "b", Decision: Abstain}}, 2, 0.5)
	if d.Decision != Abstain || d.ConsensusReached {
		t.Fatalf("all-abstain debate must not reach consensus, got %+v", d)
	}
}

func TestEngine_ThreeOfFourDebate(t *testing.T) {
	store := newTestStore(t)
	e := New(store, nil, fixedVotes(map[string]string{
		"a": "approve", "b": "approve", "c": "approve", "d": "reject",
	}), Config{})

	d, err := e.InitiateDebate(context.Background(), Request{
		Topic:         "headline",
		Question:      "ship it?",
		Participants:  []string{"a", "b", "c", "d"},
		CorrelationID: "wf-1",
		Rounds:        2,
		Threshold:     0.7,
		Timeout:       time.Second,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if !d.ConsensusReached || d.Confidence != 0.75 || d.Decision != "approve" {
		t.Fatalf("expected approve with 0.75, got %+v", d)
	}

	ctx := context.Background()
	for _, key := range []string{MetaKey(d.DebateID), RoundKey(d.DebateID, 1), RoundKey(d.DebateID, 2), DecisionKey(d.DebateID)} {
		if _, ok, _ := store.Get(ctx, "wf-1", key); !ok {
			t.Fatalf("expected audit entry %s", key)
		}
	}
	var persisted Decision
	if ok, _ := store.GetInto(ctx, "wf-1", DecisionKey(d.DebateID), &persisted); !ok || persisted.Decision != "approve" {
		t.Fatalf("unexpected persisted decision %+v", persisted)
	}
}

func TestEngine_SimultaneousReveal(t *testing.T) {
	store := newTestStore(t)
	var mu sync.Mutex
	seen := make(map[int][]int) // round -> len(previous) observed per call

	long := strings.Repeat("r", 1000)
	e := New(store, nil, ElicitorFunc(func(_ context.Context, p Prompt) (Position, error) {
		mu.Lock()
		seen[p.Round] = append(seen[p.Round], len(p.Previous))
		mu.Unlock()
		for _, prev := range p.Previous {
			if len(prev.Reasoning) > 50 {
				return Position{}, errors.New("reasoning not truncated")
			}
		}
		decision := "b"
		if p.Round > 1 {
			decision = "a"
		}
		return Position{Decision: decision, Confidence: 0.8, Reasoning: long}, nil
	}), Config{ReasoningLimit: 20})

	d, err := e.InitiateDebate(context.Background(), Request{
		Topic: "t", Question: "q", Participants: []string{"x", "y", "z"}, Rounds: 3, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if d.Decision != "a" || d.Confidence != 1 {
		t.Fatalf("expected final-round decision a with full agreement, got %+v", d)
	}
	for _, n := range seen[1] {
		if n != 0 {
			t.Fatalf("round one must not reveal positions, saw %d", n)
		}
	}
	for round := 2; round <= 3; round++ {
		for _, n := range seen[round] {
			if n != 3 {
				t.Fatalf("round %d should reveal all 3 prior positions, saw %d", round, n)
			}
		}
	}
}

func TestEngine_TimeoutAndErrorAbstain(t *testing.T) {
	store := newTestStore(t)
	e := New(store, nil, ElicitorFunc(func(ctx context.Context, p Prompt) (Position, error) {
		switch p.Agent {
		case "slow":
			<-ctx.Done()
			return Position{}, ctx.Err()
		case "stuck":
			time.Sleep(500 * time.Millisecond)
			return Position{Decision: "late"}, nil
		case "broken":
			return Position{}, errors.New("model unavailable")
		}
		return Position{Decision: "go", Confidence: 0.9}, nil
	}), Config{})

	start := time.Now()
	d, err := e.InitiateDebate(context.Background(), Request{
		Topic: "t", Question: "q",
		Participants: []string{"ok1", "ok2", "slow", "stuck", "broken"},
		Rounds:       1,
		Threshold:    0.4,
		Timeout:      60 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("one bad participant must not abort the debate: %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("stuck participant should be cut off at its timeout")
	}
	if d.Decision != "go" || d.Confidence != 0.4 || !d.ConsensusReached {
		t.Fatalf("expected go with 2/5, got %+v", d)
	}

	var round []Position
	_, _ = store.GetInto(context.Background(), "debate-"+d.DebateID, RoundKey(d.DebateID, 1), &round)
	conf := map[string]float64{}
	for _, p := range round {
		if p.Agent == "slow" || p.Agent == "stuck" || p.Agent == "broken" {
			if p.Decision != Abstain {
				t.Fatalf("%s should abstain, got %s", p.Agent, p.Decision)
			}
		}
		conf[p.Agent] = p.Confidence
	}
	if conf["slow"] != 0.2 || conf["stuck"] != 0.2 || conf["broken"] != 0.1 {
		t.Fatalf("unexpected abstention confidences %v", conf)
	}
}

func TestEngine_PublishesEvents(t *testing.T) {
	store := newTestStore(t)
	auditStore := kv.NewMemoryBackend(0)
	defer auditStore.Close()
	b := bus.New(bus.NewMemoryTransport(), auditStore)
	e := New(store, b, fixedVotes(map[string]string{"a": "x", "b": "y"}), Config{Threshold: 0.9})

	d, err := e.InitiateDebate(context.Background(), Request{
		Topic: "t", Question: "q", Participants: []string{"a", "b"}, CorrelationID: "wf-ev", Rounds: 1, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if d.ConsensusReached {
		t.Fatal("split vote should not reach 0.9")
	}
	hist, _ := b.EventHistory(context.Background(), "wf-ev", nil, 0)
	if len(hist) != 2 || hist[0].Kind != bus.KindDebateStarted || hist[1].Kind != bus.KindConsensusFailed {
		kinds := make([]bus.Kind, len(hist))
		for i, m := range hist {
			kinds[i] = m.Kind
		}
		t.Fatalf("expected started then failed, got %v", kinds)
	}
}

func TestBusElicitor_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	auditStore := kv.NewMemoryBackend(0)
	defer auditStore.Close()
	tr := bus.NewMemoryTransport()
	b := bus.New(tr, auditStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = b.Subscribe(ctx, "critic", func(ctx context.Context, m *bus.Message) error {
			if m.Kind != bus.KindPositionRequest {
				return nil
			}
			var p Prompt
			if err := m.DecodePayload(&p); err != nil {
				return err
			}
			return store.Set(ctx, m.CorrelationID, p.ReplyKey, Position{Decision: "revise", Confidence: 0.7}, 0)
		})
	}()
	for tr.Subscribers(b.AgentChannel("critic")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	el := &BusElicitor{Bus: b, Store: store, PollInterval: 5 * time.Millisecond}
	e := New(store, b, el, Config{})
	d, err := e.InitiateDebate(ctx, Request{
		Topic: "t", Question: "q", Participants: []string{"critic"}, CorrelationID: "wf-bus", Rounds: 1, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("debate: %v", err)
	}
	if d.Decision != "revise" || d.Confidence != 1 {
		t.Fatalf("expected revise from bus participant, got %+v", d)
	}
}
