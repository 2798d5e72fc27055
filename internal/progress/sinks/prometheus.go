package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-product-stream/internal/progress"
)

// PrometheusSink exports task lifecycle metrics: stage transitions, tasks in
// flight, rejections and end-to-end task duration.
type PrometheusSink struct {
	stages       *prometheus.CounterVec
	inFlight     prometheus.Gauge
	rejections   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "productstream_task_stages_total",
			Help: "Task lifecycle transitions partitioned by source and stage.",
		}, []string{"source", "stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "productstream_tasks_in_flight",
			Help: "Tasks received and not yet done or rejected.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "productstream_task_rejections_total",
			Help: "Rejected tasks partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "productstream_task_duration_seconds",
			Help:    "Time from receipt to completion partitioned by source and outcome.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source", "outcome"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.stages,
		s.inFlight,
		s.rejections,
		s.taskDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	s.stages.WithLabelValues(source, string(evt.Stage)).Inc()
	switch evt.Stage {
	case progress.StageReceived:
		if s.tracker.start(evt.Key()) {
			s.inFlight.Inc()
		}
	case progress.StageDone:
		outcome := evt.Outcome
		if outcome == "" {
			outcome = "unknown"
		}
		s.taskDuration.WithLabelValues(source, outcome).Observe(evt.Dur.Seconds())
		s.complete(evt)
	case progress.StageRejected:
		s.rejections.WithLabelValues(source, string(evt.StatusClass())).Inc()
		s.complete(evt)
	}
}

func (s *PrometheusSink) complete(evt progress.Event) {
	if s.tracker.complete(evt.Key()) {
		s.inFlight.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *taskTracker) complete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
