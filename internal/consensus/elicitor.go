package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/ctxstore"
)

// BusElicitor asks a participant for its position over the bus and waits for
// the answer in the context store under Prompt.ReplyKey.
type BusElicitor struct {
	Bus          *bus.Bus
	Store        *ctxstore.Store
	Origin       string
	PollInterval time.Duration
}

func (b *BusElicitor) Elicit(ctx context.Context, p Prompt) (Position, error) {
	payload, err := bus.EncodePayload(p)
	if err != nil {
		return Position{}, err
	}
	origin := b.Origin
	if origin == "" {
		origin = "consensus"
	}
	msg := bus.NewMessage(bus.KindPositionRequest, origin, p.CorrelationID, payload, p.Agent)
	msg.Priority = bus.PriorityHigh
	if err := b.Bus.Publish(ctx, msg); err != nil {
		return Position{}, fmt.Errorf("request position from %s: %w", p.Agent, err)
	}

	wait := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	raw, ok, err := b.Store.Watch(ctx, p.CorrelationID, p.ReplyKey, b.PollInterval, wait)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return Position{}, context.DeadlineExceeded
	}
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return Position{}, fmt.Errorf("decode position from %s: %w", p.Agent, err)
	}
	return pos, nil
}
