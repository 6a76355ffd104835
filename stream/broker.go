package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/substratehq/substrate/ext"
	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Broker)(nil)
	_ ext.JobQueued    = (*Broker)(nil)
	_ ext.JobStarted   = (*Broker)(nil)
	_ ext.JobProgress  = (*Broker)(nil)
	_ ext.JobSucceeded = (*Broker)(nil)
	_ ext.JobFailed    = (*Broker)(nil)
	_ ext.JobCancelled = (*Broker)(nil)
	_ ext.JobTimedOut  = (*Broker)(nil)
	_ ext.Shutdown     = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 64

// Broker fans job lifecycle events out to per-job subscriptions. It
// implements the ext hook interfaces so it can be registered like any
// other extension; publishing never blocks the worker that reports
// progress.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic

	logger *slog.Logger

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates a stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:     make(map[string]*topic),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Subscribe attaches a new subscription to a job's event stream. If the
// job already finished, the terminal event is replayed immediately.
// Callers are expected to have verified the job exists.
func (b *Broker) Subscribe(jobID id.JobID) *Subscription {
	sub := newSubscription(jobID, b.bufferSize)
	b.topicFor(jobID).subscribe(sub)
	return sub
}

// Unsubscribe detaches and closes a subscription before the job finishes.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	t := b.topics[sub.JobID().String()]
	b.mu.RUnlock()
	if t != nil {
		t.unsubscribe(sub.ID())
	}
	sub.Close()
}

// DropTopic discards all stream state for a job, including the pinned
// terminal event. Called when a finished job is evicted from the
// registry; remaining subscriptions are closed.
func (b *Broker) DropTopic(jobID id.JobID) {
	b.mu.Lock()
	t := b.topics[jobID.String()]
	delete(b.topics, jobID.String())
	b.mu.Unlock()
	if t != nil {
		t.close()
	}
}

// Stats returns broker counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	topicCount := len(b.topics)
	subCount := 0
	for _, t := range b.topics {
		subCount += t.subscriberCount()
	}
	b.mu.RUnlock()
	return BrokerStats{
		TopicCount:      topicCount,
		SubscriberCount: subCount,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

func (b *Broker) topicFor(jobID id.JobID) *topic {
	key := jobID.String()

	b.mu.RLock()
	t, ok := b.topics[key]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[key]; ok {
		return t
	}
	t = newTopic()
	b.topics[key] = t
	return t
}

func (b *Broker) publish(jobID id.JobID, evt Event) {
	delivered, dropped := b.topicFor(jobID).publish(evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobQueued(_ context.Context, j *job.Job) error {
	b.publish(j.ID, Event{
		Type:      EventQueued,
		JobID:     j.ID,
		Kind:      j.Kind,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publish(j.ID, Event{
		Type:      EventStarted,
		JobID:     j.ID,
		Kind:      j.Kind,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (b *Broker) OnJobProgress(_ context.Context, j *job.Job) error {
	b.publish(j.ID, Event{
		Type:      EventProgress,
		JobID:     j.ID,
		Kind:      j.Kind,
		Percent:   j.Percent,
		Message:   j.Message,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (b *Broker) OnJobSucceeded(_ context.Context, j *job.Job, _ time.Duration) error {
	b.publish(j.ID, TerminalEventFor(j))
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	b.publish(j.ID, TerminalEventFor(j))
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publish(j.ID, TerminalEventFor(j))
	return nil
}

func (b *Broker) OnJobTimedOut(_ context.Context, j *job.Job) error {
	b.publish(j.ID, TerminalEventFor(j))
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.close()
	}
	b.logger.Info("stream broker shut down")
	return nil
}
