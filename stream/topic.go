package stream

import (
	"sync"

	"github.com/substratehq/substrate/id"
)

// topic is the per-job fan-out point. It remembers the highest progress
// percentage it has published, so consumers never observe progress moving
// backwards, and it pins the terminal event so late subscribers still
// learn how the job ended.
type topic struct {
	mu          sync.Mutex
	subs        map[string]*Subscription
	lastPercent float64
	terminal    *Event
}

func newTopic() *topic {
	return &topic{subs: make(map[string]*Subscription)}
}

// subscribe attaches a subscription. If the job already finished, the
// pinned terminal event is replayed immediately and the subscription is
// closed after delivery.
func (t *topic) subscribe(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal != nil {
		sub.sendTerminal(*t.terminal)
		return
	}
	t.subs[sub.id.String()] = sub
}

func (t *topic) unsubscribe(subID id.SubscriberID) {
	t.mu.Lock()
	delete(t.subs, subID.String())
	t.mu.Unlock()
}

// publish fans an event out to all subscribers. Progress percentages are
// clamped to be monotonic. Returns delivered and dropped counts.
func (t *topic) publish(evt Event) (delivered, dropped int) {
	t.mu.Lock()
	if t.terminal != nil {
		// Stream already closed; nothing to deliver.
		t.mu.Unlock()
		return 0, 0
	}

	if evt.Type == EventProgress {
		if evt.Percent < t.lastPercent {
			evt.Percent = t.lastPercent
		} else {
			t.lastPercent = evt.Percent
		}
	}

	if evt.Type.Terminal() {
		t.terminal = &evt
		subs := t.subs
		t.subs = nil
		t.mu.Unlock()

		for _, sub := range subs {
			sub.sendTerminal(evt)
		}
		return len(subs), 0
	}

	targets := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		targets = append(targets, sub)
	}
	t.mu.Unlock()

	for _, sub := range targets {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// subscriberCount returns the number of attached subscriptions.
func (t *topic) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// close drops all remaining subscriptions without a terminal event. Used
// at broker shutdown.
func (t *topic) close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
