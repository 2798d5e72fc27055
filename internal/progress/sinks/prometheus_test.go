package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the task lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	task := progress.Event{RequestID: "req-1", ItemID: "a", Source: "OCADO", TS: now}
	received := task
	received.Stage = progress.StageReceived
	fetching := task
	fetching.Stage = progress.StageFetching
	done := task
	done.Stage, done.Status, done.Outcome, done.Dur = progress.StageDone, 204, "success", 2*time.Second

	dup := progress.Event{RequestID: "req-1", ItemID: "b", Source: "OCADO", TS: now, Stage: progress.StageReceived}
	rejected := dup
	rejected.Stage, rejected.Status = progress.StageRejected, 409

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{received, fetching, dup}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.inFlight))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done, rejected}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.inFlight))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.stages.WithLabelValues("OCADO", string(progress.StageReceived))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rejections.WithLabelValues("OCADO", "4xx")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskDuration, "productstream_task_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "registering twice fails")
}
