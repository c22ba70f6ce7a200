package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig contains configurable parameters for the Kafka publisher.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string
	Topic   string

	// MaxAttempts is how many times a publish is tried. Defaults to 3.
	MaxAttempts int

	// WriteTimeout bounds each attempt. Defaults to 10s.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes lifecycle events keyed by deployment id, so every
// transition of one deployment lands on the same partition in order.
type KafkaPublisher struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.DeploymentID), Value: value, Time: ev.Ts}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish event failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
