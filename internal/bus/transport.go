package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Delivery is a raw message received on a channel.
type Delivery struct {
	Channel string
	Data    []byte
}

// Transport moves encoded messages between named channels. Delivery is
// fire-and-forget: a publish with no live subscriber is not an error.
type Transport interface {
	// Publish sends data to channel. key groups related messages (the
	// correlation id) for transports that partition.
	Publish(ctx context.Context, channel, key string, data []byte) error
	// Subscribe opens the given channels for subscriberID. The returned
	// stream closes when ctx is cancelled.
	Subscribe(ctx context.Context, subscriberID string, channels []string) (<-chan Delivery, error)
	Close() error
}

// MemoryTransport is an in-process Transport. Each subscriber owns an
// unbounded queue so publishers never block and per-subscriber publish
// order is preserved.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub // channel -> subscribers
	closed bool
}

type memorySub struct {
	mu     sync.Mutex
	queue  []Delivery
	signal chan struct{}
	out    chan Delivery
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string][]*memorySub)}
}

func (t *MemoryTransport) Publish(_ context.Context, channel, _ string, data []byte) error {
	t.mu.RLock()
	subs := t.subs[channel]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if len(subs) == 0 {
		slog.Debug("MemoryTransport: no subscriber", "channel", channel)
		return nil
	}
	for _, s := range subs {
		s.push(Delivery{Channel: channel, Data: append([]byte(nil), data...)})
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, _ string, channels []string) (<-chan Delivery, error) {
	s := &memorySub{
		signal: make(chan struct{}, 1),
		out:    make(chan Delivery),
	}
	t.mu.Lock()
	for _, ch := range channels {
		t.subs[ch] = append(t.subs[ch], s)
	}
	t.mu.Unlock()

	go func() {
		defer close(s.out)
		defer t.unsubscribe(s, channels)
		for {
			d, ok := s.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-s.signal:
					continue
				}
			}
			select {
			case <-ctx.Done():
				return
			case s.out <- d:
			}
		}
	}()
	return s.out, nil
}

func (t *MemoryTransport) unsubscribe(s *memorySub, channels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range channels {
		list := t.subs[ch]
		for i, cur := range list {
			if cur == s {
				t.subs[ch] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(t.subs[ch]) == 0 {
			delete(t.subs, ch)
		}
	}
}

// Subscribers returns the number of live subscribers on channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}

// Close rejects further publishes; subscriptions end with their contexts.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (s *memorySub) push(d Delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) pop() (Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Delivery{}, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}
