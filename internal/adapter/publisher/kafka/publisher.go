// Package kafka delivers outbox events to a Kafka topic. Messages are keyed
// by tenant so per-tenant ordering survives partitioning.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	domain "github.com/zenamanage/writepath/internal/domain/outbox"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds connection and protection settings for the sink.
type Config struct {
	Brokers []string
	Topic   string

	// PublishRatePerSec throttles outbound publishes; 0 disables.
	PublishRatePerSec int
	PublishBurst      int

	// Circuit breaker thresholds; zero values take the defaults below.
	BreakerMinRequests      uint32
	BreakerFailureThreshold uint32
	BreakerRecoveryTime     time.Duration
}

// Publisher wraps a kafka writer behind a circuit breaker so a down sink
// fails fast instead of stalling the dispatcher's whole batch.
type Publisher struct {
	writer  *kafka.Writer
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Publisher {
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 5
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerRecoveryTime <= 0 {
		cfg.BreakerRecoveryTime = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.PublishRatePerSec > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = cfg.PublishRatePerSec
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRatePerSec), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-kafka",
		Timeout: cfg.BreakerRecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return counts.TotalFailures >= cfg.BreakerFailureThreshold
		},
	})

	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		breaker: breaker,
		limiter: limiter,
		logger:  logger,
	}
}

// Publish writes one event to the topic. Errors are transient from the
// outbox's point of view: the dispatcher records them and retries up to its
// bound.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish throttle: %w", err)
		}
	}

	msg := kafka.Message{
		Key:   []byte(event.TenantID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(fmt.Sprintf("%d", event.ID))},
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_name", Value: []byte(event.EventName)},
			{Key: "correlation_id", Value: []byte(event.CorrelationID)},
		},
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", event.EventName, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
