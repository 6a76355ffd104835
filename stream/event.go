package stream

import (
	"time"

	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
)

// EventType identifies the kind of lifecycle event carried on a stream.
type EventType string

const (
	EventQueued    EventType = "job.queued"
	EventStarted   EventType = "job.started"
	EventProgress  EventType = "job.progress"
	EventResult    EventType = "job.result"
	EventError     EventType = "job.error"
	EventCancelled EventType = "job.cancelled"
	EventTimedOut  EventType = "job.timed_out"
)

// Terminal reports whether the event type ends a job's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventResult, EventError, EventCancelled, EventTimedOut:
		return true
	default:
		return false
	}
}

// Event is a single entry on a job's progress stream.
type Event struct {
	Type      EventType `json:"type"`
	JobID     id.JobID  `json:"job_id"`
	Kind      string    `json:"kind,omitempty"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// terminalType maps a terminal job state to its stream event type.
func terminalType(s job.State) EventType {
	switch s {
	case job.StateSucceeded:
		return EventResult
	case job.StateFailed:
		return EventError
	case job.StateCancelled:
		return EventCancelled
	case job.StateTimedOut:
		return EventTimedOut
	default:
		return EventError
	}
}

// TerminalEventFor builds the closing event for a job that has reached a
// terminal state.
func TerminalEventFor(j *job.Job) Event {
	return Event{
		Type:      terminalType(j.State),
		JobID:     j.ID,
		Kind:      j.Kind,
		Percent:   j.Percent,
		Message:   j.Message,
		Reason:    j.Reason,
		Timestamp: time.Now().UTC(),
	}
}
