package events

import (
	"sync"
	"time"

	"github.com/goodtune/terastv/internal/metrics"
)

// Type identifies a notification.
type Type string

const (
	// HistoryUpdated follows a report the backend accepted.
	HistoryUpdated Type = "history_updated"
	// ResetRequested asks the coordinator to reset the TV timer.
	ResetRequested Type = "reset_requested"
	// TimerReset carries the new anchor after a re-anchor.
	TimerReset Type = "timer_reset"
)

// Event is a single notification on the bus.
type Event struct {
	Type     Type      `json:"type"`
	At       time.Time `json:"at"`
	AnchorMs int64     `json:"anchor_ms,omitempty"`
	RecordID string    `json:"record_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Publisher is the sending half of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus is an in-process fan-out channel. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(string(e.Type)).Inc()
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Close unregisters every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
