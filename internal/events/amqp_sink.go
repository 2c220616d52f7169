package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher publishes a message under a routing key. rabbitmq.Client
// satisfies it.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AMQPSink pushes completion events to the notification exchange with
// routing key "<prefix>.<job type>.<status>"
type AMQPSink struct {
	publisher Publisher
	prefix    string
}

// NewAMQPSink creates an AMQPSink
func NewAMQPSink(publisher Publisher, routingPrefix string) *AMQPSink {
	if routingPrefix == "" {
		routingPrefix = "job"
	}
	return &AMQPSink{publisher: publisher, prefix: strings.TrimSuffix(routingPrefix, ".")}
}

// Name implements Sink
func (s *AMQPSink) Name() string { return "amqp" }

// Handle implements Sink
func (s *AMQPSink) Handle(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := fmt.Sprintf("%s.%s.%s", s.prefix, ev.Type, ev.Status)
	if err := s.publisher.PublishWithRetry(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish event for job %s: %w", ev.JobID, err)
	}
	return nil
}
