// Package pubsub consumes ingestion jobs from a Google Cloud Pub/Sub
// subscription with at most one outstanding message.
package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/queue"
)

const deadLetterTimeout = 30 * time.Second

// DeadLetterPublisher forwards rejected messages.
type DeadLetterPublisher interface {
	PublishRaw(ctx context.Context, data []byte, attrs map[string]string) (string, error)
	Stop()
}

// Source adapts a subscription to queue.Source.
type Source struct {
	client     *pubsub.Client
	sub        *pubsub.Subscription
	deadLetter DeadLetterPublisher
	logger     *zap.Logger
}

// New builds a Source. deadLetter may be nil, in which case rejected
// messages are acked and dropped after logging.
func New(client *pubsub.Client, subscriptionID string, deadLetter DeadLetterPublisher, logger *zap.Logger) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1
	return &Source{
		client:     client,
		sub:        sub,
		deadLetter: deadLetter,
		logger:     logger,
	}, nil
}

// Consume receives until ctx is cancelled. Receive itself waits for the
// running callback before returning.
func (s *Source) Consume(ctx context.Context, h queue.Handler) error {
	err := s.sub.Receive(ctx, func(cbCtx context.Context, m *pubsub.Message) {
		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		h(cbCtx, queue.NewDelivery(m.ID, m.Data, attempt,
			func() error {
				m.Ack()
				return nil
			},
			func(requeue bool) error {
				if requeue {
					m.Nack()
					return nil
				}
				return s.deadLetterMessage(m, attempt)
			},
		))
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive from %s: %w", s.sub.ID(), err)
	}
	return nil
}

func (s *Source) deadLetterMessage(m *pubsub.Message, attempt int) error {
	if s.deadLetter == nil {
		s.logger.Warn("no dead-letter topic configured, dropping rejected message", zap.String("message_id", m.ID))
		m.Ack()
		return nil
	}
	attrs := make(map[string]string, len(m.Attributes)+3)
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	attrs["orion_source_subscription"] = s.sub.ID()
	attrs["orion_source_message_id"] = m.ID
	attrs["orion_delivery_attempt"] = strconv.Itoa(attempt)

	// Not derived from the callback context: that one ends when receiving
	// stops, and this write belongs to a message that was already processed.
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	if _, err := s.deadLetter.PublishRaw(ctx, m.Data, attrs); err != nil {
		m.Nack()
		return fmt.Errorf("dead-letter message %s: %w", m.ID, err)
	}
	m.Ack()
	return nil
}

// EnsureRetryPolicy sets the subscription's redelivery backoff so a nacked
// message is not redelivered immediately. Without one, a requeue during a
// rate-limit block comes straight back.
func (s *Source) EnsureRetryPolicy(ctx context.Context, minBackoff, maxBackoff time.Duration) error {
	if minBackoff <= 0 || maxBackoff < minBackoff {
		return fmt.Errorf("invalid retry backoff %s..%s", minBackoff, maxBackoff)
	}
	_, err := s.sub.Update(ctx, pubsub.SubscriptionConfigToUpdate{
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: minBackoff,
			MaximumBackoff: maxBackoff,
		},
	})
	if err != nil {
		return fmt.Errorf("update retry policy on %s: %w", s.sub.ID(), err)
	}
	s.logger.Info("subscription retry policy applied",
		zap.String("subscription", s.sub.ID()),
		zap.Duration("minimum_backoff", minBackoff),
		zap.Duration("maximum_backoff", maxBackoff),
	)
	return nil
}

// StopChannel flushes and stops the dead-letter publisher.
func (s *Source) StopChannel() error {
	if s.deadLetter != nil {
		s.deadLetter.Stop()
	}
	return nil
}

// Close closes the client connection.
func (s *Source) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
