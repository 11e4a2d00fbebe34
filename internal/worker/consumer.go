package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/cuongbtq/restyle-pipeline/internal/orchestrator"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer is the subset of the RabbitMQ client the worker reads from.
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// RabbitSource delivers job ids published by the API service.
type RabbitSource struct {
	consumer      Consumer
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger
}

// NewRabbitSource creates a source on consumer
func NewRabbitSource(consumer Consumer, consumerTag string, prefetchCount int, logger *slog.Logger) *RabbitSource {
	return &RabbitSource{
		consumer:      consumer,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
		logger:        logger,
	}
}

// Run sets up the consumer and forwards deliveries until ctx is done.
func (s *RabbitSource) Run(ctx context.Context, out chan<- *Message) error {
	deliveries, err := s.setupConsumer()
	if err != nil {
		return err
	}
	return s.forward(ctx, deliveries, out)
}

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (s *RabbitSource) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch bounds unacknowledged messages per consumer
	if err := s.consumer.Qos(s.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	// manual acknowledgment
	deliveries, err := s.consumer.Consume(s.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", s.consumerTag),
		slog.Int("prefetch_count", s.prefetchCount),
	)
	return deliveries, nil
}

func (s *RabbitSource) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- *Message) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Message dispatcher stopped - context canceled")
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}

			jobID, err := parseDispatch(delivery.Body)
			if err != nil {
				s.logger.Error("Rejecting malformed message",
					slog.String("body", string(delivery.Body)),
					slog.Any("error", err),
				)
				// no requeue, malformed messages go to the DLQ
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					s.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}

			msg := &Message{
				JobID: jobID,
				ack:   func() error { return delivery.Ack(false) },
				nack:  func(requeue bool) error { return delivery.Nack(false, requeue) },
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				// hand it back for another worker
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					s.logger.Error("Failed to NACK message on shutdown", slog.Any("error", nackErr))
				}
				return ctx.Err()
			}
		}
	}
}

// parseDispatch extracts the job id of a dispatch message body.
func parseDispatch(body []byte) (string, error) {
	var msg orchestrator.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return "", fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidPayload, msg.JobID)
	}
	return msg.JobID, nil
}
