package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Task lifecycle stages. A task moves Received, LockChecked, then Cached or
// Fetching, then Written and Done. Rejected ends a task early.
const (
	StageReceived    Stage = "RECEIVED"
	StageLockChecked Stage = "LOCK_CHECKED"
	StageCached      Stage = "CACHED"
	StageFetching    Stage = "FETCHING"
	StageWritten     Stage = "WRITTEN"
	StageDone        Stage = "DONE"
	StageRejected    Stage = "REJECTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a task.
type Event struct {
	// RequestID is the search the task belongs to.
	RequestID string
	// ItemID is empty for dispatcher events.
	ItemID string
	// Source is the product source, or "search" for the dispatcher.
	Source string
	TS     time.Time
	Stage  Stage
	// Status is the HTTP status the task was answered with. Set on Done and
	// Rejected.
	Status int
	// Outcome is "success", "failure" or "cached" on Done.
	Outcome string
	// Dur is the time since Received, set on Done and Rejected.
	Dur time.Duration
	// Note carries low-volume context such as an error code.
	Note string
}

// Key identifies the task an event belongs to.
func (e Event) Key() string {
	if e.ItemID == "" {
		return e.RequestID
	}
	return e.RequestID + "." + e.ItemID
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageReceived, StageLockChecked, StageCached, StageFetching, StageWritten:
	case StageDone, StageRejected:
		if e.Status == 0 {
			return fmt.Errorf("%s requires status", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// StatusClass groups the event status.
func (e Event) StatusClass() StatusClass {
	return ClassifyStatus(e.Status)
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
