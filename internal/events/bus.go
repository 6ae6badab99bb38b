// Package events keeps a bounded, sequenced feed of pipeline changes.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	RecordingUpdated Type = "recording.updated"
	RecordingDeleted Type = "recording.deleted"
	JobEnqueued      Type = "job.enqueued"
	JobRemoved       Type = "job.removed"
	WebhookAttempt   Type = "webhook.attempt"
)

// Event is one sequenced change notification.
type Event struct {
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Type        Type      `json:"type"`
	RecordingID string    `json:"recording_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Bus stores recent events and serves incremental reads.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	notify    chan struct{}
}

// NewBus creates a bus retaining at most maxEvents (500 if <= 0).
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		notify:    make(chan struct{}),
	}
}

// Publish appends an event, assigning its sequence and timestamp. A nil bus
// discards events.
func (b *Bus) Publish(e Event) Event {
	if b == nil {
		return e
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, e)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return e
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, e := range b.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Changed returns a channel closed by the next Publish.
func (b *Bus) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notify
}
