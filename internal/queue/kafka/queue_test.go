package kafka

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func request(id string) queue.Request {
	return queue.Request{
		URL:    "http://worker/",
		Method: http.MethodPost,
		Header: http.Header{product.RequestIDHeader: {id}},
		Body:   []byte(`{}`),
	}
}

func TestProducerWritesKeyedMessage(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newProducer(w, nil)
	require.NoError(t, p.Enqueue(context.Background(), "product-detail-zooplus", request("req-9")))
	require.Len(t, w.written, 1)
	msg := w.written[0]
	require.Equal(t, "product-detail-zooplus", msg.Topic)
	require.Equal(t, "req-9", string(msg.Key))

	decoded, err := queue.Decode(msg.Value)
	require.NoError(t, err)
	require.Equal(t, "req-9", decoded.Header.Get(product.RequestIDHeader))

	w.err = errors.New("broker down")
	require.ErrorContains(t, p.Enqueue(context.Background(), "q", request("r")), "broker down")
}

func TestConsumerCommitsAndRequeuesRetryable(t *testing.T) {
	t.Parallel()

	encode := func(id string) []byte {
		data, err := queue.Encode(request(id))
		require.NoError(t, err)
		return data
	}
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "t", Offset: 1, Value: encode("ok")},
		{Topic: "t", Offset: 2, Value: encode("limited"), Headers: []kafka.Header{{Key: HeaderAttempt, Value: []byte("2")}}},
		{Topic: "t", Offset: 3, Value: []byte("garbage")},
		{Topic: "t", Offset: 4, Value: encode("last")},
	}}
	writer := &fakeWriter{}
	c := newConsumer(reader, writer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var handled []string
	err := c.Consume(ctx, func(_ context.Context, req queue.Request) int {
		id := req.Header.Get(product.RequestIDHeader)
		handled = append(handled, id)
		if id == "last" {
			cancel()
		}
		if id == "limited" {
			return http.StatusTooManyRequests
		}
		return http.StatusNoContent
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ok", "limited", "last"}, handled)
	require.Equal(t, []int64{1, 2, 3}, reader.committed[:3])

	require.Len(t, writer.written, 1)
	retry := writer.written[0]
	require.Equal(t, "t", retry.Topic)
	carrier := &headerCarrier{headers: &retry.Headers}
	require.Equal(t, "3", carrier.Get(HeaderAttempt))
}

func TestConsumerDropsAfterMaxDeliveries(t *testing.T) {
	t.Parallel()

	data, err := queue.Encode(request("stuck"))
	require.NoError(t, err)
	reader := &fakeReader{msgs: []kafka.Message{{
		Topic:   "t",
		Offset:  7,
		Value:   data,
		Headers: []kafka.Header{{Key: HeaderAttempt, Value: []byte(strconv.Itoa(MaxDeliveries))}},
	}}}
	writer := &fakeWriter{}
	c := newConsumer(reader, writer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	err = c.Consume(ctx, func(context.Context, queue.Request) int {
		cancel()
		return http.StatusInternalServerError
	})
	require.NoError(t, err)
	require.Empty(t, writer.written)
	require.Equal(t, []int64{7}, reader.committed)
}

func TestConsumerHandlesConcurrentlyAndCommitsInOrder(t *testing.T) {
	t.Parallel()

	const workers = 4
	var msgs []kafka.Message
	for i := 1; i <= workers; i++ {
		data, err := queue.Encode(request(strconv.Itoa(i)))
		require.NoError(t, err)
		msgs = append(msgs, kafka.Message{Topic: "t", Offset: int64(i), Value: data})
	}
	reader := &fakeReader{msgs: msgs}
	c := newConsumer(reader, &fakeWriter{}, nil)
	c.concurrency = workers

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		started  atomic.Int32
		finished atomic.Int32
	)
	allIn := make(chan struct{})
	err := c.Consume(ctx, func(_ context.Context, req queue.Request) int {
		if started.Add(1) == workers {
			close(allIn)
		}
		select {
		case <-allIn:
		case <-ctx.Done():
			return http.StatusNoContent
		}
		// Later offsets finish first.
		n, _ := strconv.Atoi(req.Header.Get(product.RequestIDHeader))
		time.Sleep(time.Duration(workers-n) * 10 * time.Millisecond)
		if finished.Add(1) == workers {
			cancel()
		}
		return http.StatusNoContent
	})
	require.NoError(t, err)
	require.Equal(t, int32(workers), started.Load(), "every task was in flight at once")
	require.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
}

func TestHeaderCarrier(t *testing.T) {
	t.Parallel()

	var headers []kafka.Header
	c := &headerCarrier{headers: &headers}
	c.Set("traceparent", "00-a-b-01")
	c.Set("traceparent", "00-c-d-01")
	c.Set("tracestate", "x=1")
	require.Equal(t, "00-c-d-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent", "tracestate"}, c.Keys())
	require.Empty(t, c.Get("missing"))
}
