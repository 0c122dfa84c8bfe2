// Package signals publishes operational signals (stream truncation, report
// generation) to Kafka so external tooling can react without polling the
// database.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Signal names.
const (
	StreamTruncated = "stream.truncated"
	ReportGenerated = "report.generated"
)

// Signal is one operational event.
type Signal struct {
	Name       string                 `json:"name"`
	Repository string                 `json:"repository,omitempty"`
	Stream     string                 `json:"stream,omitempty"`
	At         time.Time              `json:"at"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Publisher emits signals. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
	Close() error
}

// NopPublisher drops all signals; used when Kafka is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, sig Signal) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// KafkaPublisherConfig configures the Kafka-backed publisher.
type KafkaPublisherConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int           // defaults to 3
	WriteTimeout time.Duration // defaults to 10s
}

// KafkaPublisher is a thin wrapper over a kafka-go Writer with bounded
// retries. Messages are keyed by repository so per-repository ordering holds
// within a partition.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, sig Signal) error {
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}
	value, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, kafka.Message{
			Key:   []byte(sig.Repository),
			Value: value,
			Time:  sig.At,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s failed after %d attempts: %w", sig.Name, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
