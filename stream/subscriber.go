package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/substratehq/substrate/id"
)

// terminalRetryInterval is how often a pending terminal delivery re-tries
// a full consumer buffer.
const terminalRetryInterval = 5 * time.Millisecond

// Subscription is one consumer's view of a job's event stream. Events are
// delivered on a buffered channel; a consumer that falls behind may lose
// intermediate progress events, but the terminal event is always delivered.
type Subscription struct {
	id    id.SubscriberID
	jobID id.JobID

	// mu serializes every send on ch with its close, so a publish can
	// never race a Close into a send on a closed channel. ch is closed
	// exactly once: after the terminal event is delivered, or by Close.
	mu     sync.Mutex
	ch     chan Event
	closed bool

	// done unblocks any pending terminal delivery when the consumer
	// abandons the subscription.
	done chan struct{}

	dropped atomic.Int64
}

func newSubscription(jobID id.JobID, buffer int) *Subscription {
	return &Subscription{
		id:    id.NewSubscriberID(),
		jobID: jobID,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() id.SubscriberID { return s.id }

// JobID returns the job this subscription is attached to.
func (s *Subscription) JobID() id.JobID { return s.jobID }

// Events returns the read-only event channel. The channel is closed once
// the job reaches a terminal state and the closing event has been sent.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the consumer's
// buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// send attempts a non-blocking delivery. Returns false if the event was
// dropped.
func (s *Subscription) send(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// sendTerminal delivers the closing event and then closes the channel.
// If the consumer's buffer is full, delivery re-tries in a goroutine
// until the consumer drains or abandons the subscription; the closing
// event is never silently dropped.
func (s *Subscription) sendTerminal(evt Event) {
	if s.tryFinal(evt) {
		return
	}
	go func() {
		ticker := time.NewTicker(terminalRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if s.tryFinal(evt) {
					return
				}
			}
		}
	}()
}

// tryFinal attempts a non-blocking delivery of the closing event and, on
// success, closes the stream. Returns true when no further attempts are
// needed: the event was delivered or the subscription is already closed.
func (s *Subscription) tryFinal(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		s.closed = true
		close(s.done)
		close(s.ch)
		return true
	default:
		return false
	}
}

// Close releases the subscription. Safe to call multiple times. A consumer
// that is done with a stream before the job finishes should call Close to
// free broker-side state.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}
