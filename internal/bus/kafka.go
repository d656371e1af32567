package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// KafkaOptions configures a KafkaTransport.
type KafkaOptions struct {
	Brokers       []string
	ConsumerGroup string // prefix; each subscriber gets "<prefix>.<subscriberID>"
	SASLMechanism string // "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	Username      string
	Password      string
	TLS           bool
	WriteTimeout  time.Duration
}

// KafkaTransport maps bus channels onto Kafka topics using segmentio/kafka-go.
// Every subscriber reads through its own consumer group, so a broadcast topic
// reaches all subscribers while each still commits its own offsets.
type KafkaTransport struct {
	opts   KafkaOptions
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

const (
	readRetryMin = 100 * time.Millisecond
	readRetryMax = 5 * time.Second
)

// messageReader is the part of kafka.Reader the consume loop needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// NewKafkaTransport builds a transport; no connection is made until the
// first publish or subscribe.
func NewKafkaTransport(opts KafkaOptions) (*KafkaTransport, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport: no brokers configured")
	}
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "kafswarm"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	mech, tlsCfg, err := opts.security()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           opts.WriteTimeout,
		Transport: &kafka.Transport{
			SASL: mech,
			TLS:  tlsCfg,
		},
	}
	dialer, err := opts.Dialer()
	if err != nil {
		return nil, err
	}
	return &KafkaTransport{opts: opts, writer: writer, dialer: dialer}, nil
}

// Dialer returns a kafka-go dialer carrying the configured SASL and TLS
// settings.
func (opts KafkaOptions) Dialer() (*kafka.Dialer, error) {
	mech, tlsCfg, err := opts.security()
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mech,
		TLS:           tlsCfg,
	}, nil
}

func (opts KafkaOptions) security() (sasl.Mechanism, *tls.Config, error) {
	mech, err := saslMechanism(opts)
	if err != nil {
		return nil, nil, err
	}
	var tlsCfg *tls.Config
	if opts.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return mech, tlsCfg, nil
}

func saslMechanism(opts KafkaOptions) (sasl.Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(opts.SASLMechanism)) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: opts.Username, Password: opts.Password}, nil
	case "SCRAM-SHA-256":
		m, err := scram.Mechanism(scram.SHA256, opts.Username, opts.Password)
		if err != nil {
			return nil, fmt.Errorf("kafka transport: scram-sha-256: %w", err)
		}
		return m, nil
	case "SCRAM-SHA-512":
		m, err := scram.Mechanism(scram.SHA512, opts.Username, opts.Password)
		if err != nil {
			return nil, fmt.Errorf("kafka transport: scram-sha-512: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("kafka transport: unsupported sasl mechanism %q", opts.SASLMechanism)
	}
}

func (t *KafkaTransport) Publish(ctx context.Context, channel, key string, data []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", channel, err)
	}
	return nil
}

func (t *KafkaTransport) Subscribe(ctx context.Context, subscriberID string, channels []string) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("kafka transport: closed")
	}

	out := make(chan Delivery, 100)
	group := t.opts.ConsumerGroup + "." + subscriberID

	var wg sync.WaitGroup
	for _, topic := range channels {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  t.opts.Brokers,
			Topic:    topic,
			GroupID:  group,
			Dialer:   t.dialer,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		t.readers = append(t.readers, reader)

		wg.Add(1)
		go func(r *kafka.Reader, topic string) {
			defer wg.Done()
			defer r.Close()
			consume(ctx, r, topic, out)
		}(reader, topic)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// consume forwards messages from r until ctx ends or the reader is closed.
// Other read errors are retried with exponential backoff.
func consume(ctx context.Context, r messageReader, topic string, out chan<- Delivery) {
	wait := readRetryMin
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			slog.Warn("KafkaTransport: read error", "topic", topic, "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			wait = min(wait*2, readRetryMax)
			continue
		}
		wait = readRetryMin
		select {
		case out <- Delivery{Channel: topic, Data: msg.Value}:
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes the writer and stops all readers.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	readers := t.readers
	t.readers = nil
	t.closed = true
	t.mu.Unlock()
	for _, r := range readers {
		_ = r.Close()
	}
	return t.writer.Close()
}
