package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config tunes the breaker that guards the broker.
type Config struct {
	Timeout             time.Duration // per publish
	ConsecutiveFailures uint32        // trips the breaker
	OpenTimeout         time.Duration // time spent open before probing
}

// DefaultConfig returns default publisher settings.
func DefaultConfig() Config {
	return Config{
		Timeout:             3 * time.Second,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// Publisher writes JSON-encoded events to Kafka. Once the broker keeps
// failing, the breaker opens and publishes fail fast instead of stalling
// callers that have already committed.
type Publisher struct {
	writer  MessageWriter
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

func NewPublisher(brokers []string, cfg Config, collector metrics.Collector) *Publisher {
	// Topic stays empty on the writer so every message can name its own.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewPublisherWithWriter(writer, cfg, collector)
}

// NewPublisherWithWriter builds a publisher over any MessageWriter.
func NewPublisherWithWriter(writer MessageWriter, cfg Config, collector metrics.Collector) *Publisher {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig().ConsecutiveFailures
	}

	p := &Publisher{
		writer:  writer,
		timeout: cfg.Timeout,
		metrics: collector,
		logger:  logging.Global().Named("kafka"),
	}

	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kafka",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			p.metrics.RecordCircuitState(name, state)
		},
	})

	return p
}

func (p *Publisher) Publish(ctx context.Context, topic string, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: data,
		})
	})
	p.metrics.RecordPublish(topic, err == nil)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
