package progress

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type exampleCountingSink struct {
	done int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageDone {
			s.done++
		}
	}
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleTrack reports one cached task through a Hub.
func ExampleTrack() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchWait: time.Second}, sink)

	tr := Track(hub, fixedClock{}, "req-1", "4711", "OCADO")
	tr.Step(StageLockChecked)
	tr.Step(StageCached)
	tr.Done(http.StatusNoContent, "cached")
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("tasks done: %d\n", sink.done)
	// Output:
	// tasks done: 1
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }
