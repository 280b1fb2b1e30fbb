package events

import (
	"sync"
	"time"
)

// Type classifies published events.
type Type string

const (
	TypeDownload Type = "download"
	TypePhase    Type = "phase"
)

// Event is a sequenced progress or phase notification.
type Event struct {
	Seq             int64     `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
	Type            Type      `json:"type"`
	ContentID       string    `json:"content_id,omitempty"`
	RecordID        string    `json:"record_id,omitempty"`
	State           string    `json:"state"`
	Fraction        *float64  `json:"fraction,omitempty"`
	DownloadedBytes int64     `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64     `json:"total_bytes,omitempty"`
	Message         string    `json:"message,omitempty"`
	Kind            string    `json:"kind,omitempty"`
}

// Bus keeps a bounded history of events and lets readers catch up by
// sequence number.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	notify    chan struct{}
}

// NewBus creates a bus retaining at most maxEvents events.
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

// Publish assigns the next sequence number and timestamp and stores event.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	wake := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	return event
}

// Since returns retained events with a sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Wait returns a channel closed on the next Publish.
func (b *Bus) Wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notify
}

// Latest returns the sequence number of the most recent event.
func (b *Bus) Latest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Fraction is a helper for filling Event.Fraction.
func Fraction(f float64) *float64 {
	return &f
}
