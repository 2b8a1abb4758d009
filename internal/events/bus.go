// Package events provides a pub/sub event bus for engine-wide events.
// Used by the dashboard websocket for real-time updates and by the audit
// trail for fan-out.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies engine events.
type EventType string

const (
	RunQueued         EventType = "run.queued"
	RunStarted        EventType = "run.started"
	RunStageStarted   EventType = "run.stage_started"
	RunStageCompleted EventType = "run.stage_completed"
	RunCompleted      EventType = "run.completed"
	RunFailed         EventType = "run.failed"
	RunCancelled      EventType = "run.cancelled"
	JobEnqueued       EventType = "job.enqueued"
	JobStarted        EventType = "job.started"
	JobCompleted      EventType = "job.completed"
	JobFailed         EventType = "job.failed"
	JobRetried        EventType = "job.retried"
	JobCancelled      EventType = "job.cancelled"
	JobLeaseExpired   EventType = "job.lease_expired"
	ScanStarted       EventType = "scan.started"
	ScanLine          EventType = "scan.line"
	ScanCompleted     EventType = "scan.completed"
	ScanFailed        EventType = "scan.failed"
	ScopeDenied       EventType = "scope.denied"
	AssetDiscovered   EventType = "asset.discovered"
	AssetChanged      EventType = "asset.changed"
	AssetStale        EventType = "asset.stale"
	AssetRevived      EventType = "asset.revived"
	ServiceDiscovered EventType = "service.discovered"
	ServiceStale      EventType = "service.stale"
	FindingDiscovered EventType = "finding.discovered"
	VerifyCompleted   EventType = "verify.completed"
	ScheduleFired     EventType = "schedule.fired"
	RetentionSwept    EventType = "retention.swept"
)

// Event represents one engine event.
type Event struct {
	Type      EventType   `json:"type"`
	TargetID  string      `json:"target_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Bus is a pub/sub event bus with a bounded buffer per subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: a full subscriber buffer sheds its oldest event to make
// room, so slow consumers lose history but stay current.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		for {
			select {
			case sub.ch <- evt:
			default:
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned
// id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.subscribers[id] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Dropped returns how many events were shed for a subscriber.
func (b *Bus) Dropped(id string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sub, ok := b.subscribers[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
