package progress

import (
	"context"
	"time"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Tracker stamps the events of one task with its identity and start time.
type Tracker struct {
	emitter Emitter
	clock   product.Clock
	base    Event
	start   time.Time
}

// Track emits Received for the task and returns its tracker. Received is
// stamped with the start time. A nil emitter discards events.
func Track(emitter Emitter, clock product.Clock, requestID, itemID, source string) *Tracker {
	if emitter == nil {
		emitter = Nop{}
	}
	t := &Tracker{
		emitter: emitter,
		clock:   clock,
		base:    Event{RequestID: requestID, ItemID: itemID, Source: source},
		start:   clock.Now(),
	}
	t.emit(StageReceived, t.start)
	return t
}

// Step emits an intermediate stage.
func (t *Tracker) Step(stage Stage) {
	t.emit(stage, t.clock.Now())
}

func (t *Tracker) emit(stage Stage, at time.Time) {
	evt := t.base
	evt.Stage = stage
	evt.TS = at
	t.emitter.Emit(evt)
}

// Done emits Done with the response status and outcome.
func (t *Tracker) Done(status int, outcome string) {
	t.finish(StageDone, status, outcome, "")
}

// Reject emits Rejected with the response status and a note such as the
// error code.
func (t *Tracker) Reject(status int, note string) {
	t.finish(StageRejected, status, "", note)
}

func (t *Tracker) finish(stage Stage, status int, outcome, note string) {
	now := t.clock.Now()
	evt := t.base
	evt.Stage = stage
	evt.TS = now
	evt.Status = status
	evt.Outcome = outcome
	evt.Note = note
	evt.Dur = now.Sub(t.start)
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	t.emitter.Emit(evt)
}
