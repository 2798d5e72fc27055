// Package kafka carries tasks over Kafka topics, one topic per queue name.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

// HeaderAttempt counts deliveries of a requeued task.
const HeaderAttempt = "attempt"

// MaxDeliveries bounds how often one task is delivered before it is dropped.
const MaxDeliveries = 5

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements queue.Queue.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

var _ queue.Queue = (*Producer)(nil)

// NewProducer writes to brokers. The topic is chosen per message.
func NewProducer(brokers []string, logger *zap.Logger) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, logger)
}

func newProducer(w messageWriter, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{writer: w, logger: logger}
}

// Enqueue writes req to the topic named queueName, keyed by request id so a
// search's tasks share a partition.
func (p *Producer) Enqueue(ctx context.Context, queueName string, req queue.Request) error {
	value, err := queue.Encode(req)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: queueName,
		Key:   []byte(req.Header.Get(product.RequestIDHeader)),
		Value: value,
	}
	queue.Inject(ctx, &headerCarrier{headers: &msg.Headers})
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish task", zap.String("queue", queueName), zap.Error(err))
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("task published", zap.String("queue", queueName), zap.Int("value_size", len(value)))
	return nil
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader      messageReader
	requeue     messageWriter
	logger      *zap.Logger
	concurrency int
}

var _ queue.Consumer = (*Consumer)(nil)

// NewConsumer joins groupID on topic and handles up to concurrency tasks at
// once. Retryable tasks are written back to the same topic through a
// dedicated writer.
func NewConsumer(brokers []string, topic, groupID string, concurrency int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	c := newConsumer(r, w, logger)
	if concurrency > 0 {
		c.concurrency = concurrency
	}
	return c
}

func newConsumer(r messageReader, w messageWriter, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: r, requeue: w, logger: logger, concurrency: 1}
}

// inflight is a fetched message whose handling may still be running.
type inflight struct {
	msg  kafka.Message
	done chan error
}

// Consume fetches, handles and commits tasks until ctx ends. Up to the
// configured concurrency of tasks are handled at once; offsets are committed
// in fetch order once each task is done. A task answered with a retryable
// status is written back to its topic before its offset is committed.
func (c *Consumer) Consume(ctx context.Context, handler queue.Handler) error {
	// The committer holds one message and the channel buffers the rest.
	pending := make(chan inflight, c.concurrency-1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pending)
		for {
			msg, err := c.reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("fetch task: %w", err)
			}
			item := inflight{msg: msg, done: make(chan error, 1)}
			select {
			case pending <- item:
			case <-gctx.Done():
				return nil
			}
			go func() { item.done <- c.handle(ctx, handler, item.msg) }()
		}
	})

	g.Go(func() error {
		for item := range pending {
			if err := <-item.done; err != nil {
				return err
			}
			if err := c.reader.CommitMessages(ctx, item.msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("commit task: %w", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// handle runs one message through handler and requeues it when the status
// is retryable. Undecodable messages are logged and dropped.
func (c *Consumer) handle(ctx context.Context, handler queue.Handler, msg kafka.Message) error {
	req, err := queue.Decode(msg.Value)
	if err != nil {
		c.logger.Error("dropping undecodable task",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}
	handleCtx := queue.Extract(ctx, &headerCarrier{headers: &msg.Headers})
	if status := handler(handleCtx, req); queue.Retryable(status) {
		return c.redeliver(ctx, msg)
	}
	return nil
}

func (c *Consumer) redeliver(ctx context.Context, msg kafka.Message) error {
	attempt := 1
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for _, h := range msg.Headers {
		if h.Key == HeaderAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				attempt = n
			}
			continue
		}
		headers = append(headers, h)
	}
	if attempt >= MaxDeliveries {
		c.logger.Error("dropping task after max deliveries", zap.String("topic", msg.Topic), zap.Int("attempt", attempt))
		return nil
	}
	headers = append(headers, kafka.Header{Key: HeaderAttempt, Value: []byte(strconv.Itoa(attempt + 1))})

	retry := kafka.Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := c.requeue.WriteMessages(ctx, retry); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	c.logger.Warn("task requeued", zap.String("topic", msg.Topic), zap.Int("attempt", attempt+1))
	return nil
}

// Close leaves the group and closes the requeue writer.
func (c *Consumer) Close() error {
	rerr := c.reader.Close()
	werr := c.requeue.Close()
	if rerr != nil {
		return fmt.Errorf("close reader: %w", rerr)
	}
	if werr != nil {
		return fmt.Errorf("close requeue writer: %w", werr)
	}
	return nil
}

// headerCarrier adapts Kafka headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
