package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/terastv/internal/metrics"
)

// Kind is the platform usage-event type.
type Kind string

const (
	KindMoveToForeground Kind = "move_to_foreground"
	KindActivityResumed  Kind = "activity_resumed"
	KindMoveToBackground Kind = "move_to_background"
	KindActivityPaused   Kind = "activity_paused"
)

// ErrInvalidEvent is returned when an ingested event lacks a package.
var ErrInvalidEvent = errors.New("probe: invalid event")

// Foreground reports whether the kind brings a package to the front.
func (k Kind) Foreground() bool {
	return k == KindMoveToForeground || k == KindActivityResumed
}

// Event is one entry of the platform usage log.
type Event struct {
	Package string    `json:"package"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Label   string    `json:"label,omitempty"`
}

// Probe returns the package most recently brought to the foreground within
// window ending at now. An empty string means no such event was observed.
type Probe interface {
	LatestForeground(ctx context.Context, now time.Time, window time.Duration) (string, error)
}

// LabelLearner receives labels that arrive alongside events.
type LabelLearner interface {
	Learn(packageID, label string)
}

// EventLog is a bounded ring of recent usage events. The oldest entry is
// overwritten once the ring is full, mirroring the platform's short horizon.
type EventLog struct {
	mu      sync.RWMutex
	events  []Event
	next    int
	size    int
	learner LabelLearner
}

// NewEventLog creates a ring holding at most capacity events.
func NewEventLog(capacity int, learner LabelLearner) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{
		events:  make([]Event, capacity),
		learner: learner,
	}
}

// Record appends an event. A missing timestamp is stamped with now.
func (l *EventLog) Record(e Event, now time.Time) error {
	e.Package = strings.TrimSpace(e.Package)
	if e.Package == "" {
		return fmt.Errorf("%w: package is required", ErrInvalidEvent)
	}
	if e.Kind == "" {
		e.Kind = KindMoveToForeground
	}
	if e.At.IsZero() {
		e.At = now
	}

	l.mu.Lock()
	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.size < len(l.events) {
		l.size++
	}
	l.mu.Unlock()

	metrics.ProbeEventsTotal.WithLabelValues(string(e.Kind)).Inc()

	if l.learner != nil && e.Label != "" {
		l.learner.Learn(e.Package, e.Label)
	}
	return nil
}

// LatestForeground returns the package of the newest foreground event with
// a timestamp in [now-window, now].
func (l *EventLog) LatestForeground(ctx context.Context, now time.Time, window time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	from := now.Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		latest   string
		latestAt time.Time
	)
	// Walk oldest to newest so equal timestamps resolve to the later entry.
	oldest := 0
	if l.size == len(l.events) {
		oldest = l.next
	}
	for n := 0; n < l.size; n++ {
		e := l.events[(oldest+n)%len(l.events)]
		if !e.Kind.Foreground() {
			continue
		}
		if e.At.Before(from) || e.At.After(now) {
			continue
		}
		if latest == "" || !e.At.Before(latestAt) {
			latest = e.Package
			latestAt = e.At
		}
	}
	return latest, nil
}

// Len returns the number of buffered events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}
