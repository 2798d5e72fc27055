// Package pubsub carries tasks over Google Cloud Pub/Sub.
//
// Each queue name is a topic. The task request rides in the message body and
// the trace context in the message attributes.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

// Attribute keys set on every message.
const (
	AttrQueue     = "queue"
	AttrRequestID = "request_id"
)

// Publisher implements queue.Queue.
type Publisher struct {
	client *pubsub.Client
	logger *zap.Logger
	owned  bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ queue.Queue = (*Publisher)(nil)

// NewPublisher creates a Pub/Sub client for projectID. It authenticates with
// Application Default Credentials unless opts say otherwise.
func NewPublisher(ctx context.Context, projectID string, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	p := NewPublisherWithClient(client, logger)
	p.owned = true
	return p, nil
}

// NewPublisherWithClient publishes through an existing client. Close does not
// close the client.
func NewPublisherWithClient(client *pubsub.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, logger: logger, topics: map[string]*pubsub.Topic{}}
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Enqueue publishes req to the topic named queueName and waits for the
// server to accept it.
func (p *Publisher) Enqueue(ctx context.Context, queueName string, req queue.Request) error {
	data, err := queue.Encode(req)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{AttrQueue: queueName}}
	if id := req.Header.Get(product.RequestIDHeader); id != "" {
		msg.Attributes[AttrRequestID] = id
	}
	queue.Inject(ctx, propagation.MapCarrier(msg.Attributes))

	id, err := p.topic(queueName).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	p.logger.Debug("task published", zap.String("queue", queueName), zap.String("message_id", id))
	return nil
}

// Close flushes every topic and, when the publisher created the client,
// closes it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

// Consumer pulls tasks from a subscription.
type Consumer struct {
	sub    *pubsub.Subscription
	logger *zap.Logger
}

var _ queue.Consumer = (*Consumer)(nil)

// NewConsumer reads from subscriptionID.
func NewConsumer(client *pubsub.Client, subscriptionID string, maxOutstanding int, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(subscriptionID)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	return &Consumer{sub: sub, logger: logger}
}

// Consume blocks until ctx ends. Messages answered with a retryable status
// are nacked for redelivery; undecodable messages are acked and dropped.
func (c *Consumer) Consume(ctx context.Context, handler queue.Handler) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req, err := queue.Decode(msg.Data)
		if err != nil {
			c.logger.Error("dropping undecodable task", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		ctx = queue.Extract(ctx, propagation.MapCarrier(msg.Attributes))
		status := handler(ctx, req)
		if queue.Retryable(status) {
			c.logger.Warn("task will be redelivered",
				zap.String("message_id", msg.ID),
				zap.String("request_id", msg.Attributes[AttrRequestID]),
				zap.Int("status", status),
			)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive tasks: %w", err)
	}
	return nil
}
