package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/history"
	"github.com/goodtune/terastv/internal/metrics"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/storage"
)

// DefaultPowerOffApp is the app_name sentinel of synthetic records.
const DefaultPowerOffApp = "PowerOff"

// SessionTracker is the part of the tracker the coordinator drives.
type SessionTracker interface {
	ForceCommit(ctx context.Context, reason string, keepOpen bool)
	Pause()
	Resume()
}

// Reporter accepts completed records.
type Reporter interface {
	Report(ctx context.Context, record history.Record) error
}

// Deps are the coordinator's collaborators
type Deps struct {
	Store    storage.Store
	Reporter Reporter
	Tracker  SessionTracker
	Bus      *events.Bus
	Clock    policy.Clock
}

// Coordinator reacts to power signals and reset requests. Every operation
// runs under one lock so the read-elapsed-reanchor sequences never
// interleave.
type Coordinator struct {
	timer       storage.TimerStore
	pending     storage.PendingStore
	devices     storage.DeviceStore
	reporter    Reporter
	tracker     SessionTracker
	bus         *events.Bus
	clock       policy.Clock
	powerOffApp string
	logger      zerolog.Logger

	// Reset requests are subscribed at construction so requests published
	// before Run starts are queued rather than lost.
	requests    <-chan events.Event
	unsubscribe func()

	mu sync.Mutex
}

// resetBacklog is how many reset requests may queue while a reset runs.
const resetBacklog = 64

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Deps, powerOffApp string, logger zerolog.Logger) *Coordinator {
	if powerOffApp == "" {
		powerOffApp = DefaultPowerOffApp
	}
	if deps.Clock == nil {
		deps.Clock = policy.RealClock{}
	}
	c := &Coordinator{
		timer:       deps.Store.Timer(),
		pending:     deps.Store.Pending(),
		devices:     deps.Store.Device(),
		reporter:    deps.Reporter,
		tracker:     deps.Tracker,
		bus:         deps.Bus,
		clock:       deps.Clock,
		powerOffApp: powerOffApp,
		logger:      logger.With().Str("component", "lifecycle").Logger(),
	}
	if deps.Bus != nil {
		c.requests, c.unsubscribe = deps.Bus.Subscribe(resetBacklog)
	}
	return c
}

// Run performs a reset for every reset_requested event until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	if c.requests == nil {
		return
	}
	defer c.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-c.requests:
			if !ok {
				return
			}
			if e.Type != events.ResetRequested {
				continue
			}
			reason := e.Reason
			if reason == "" {
				reason = "user_request"
			}
			if err := c.ResetAndPost(ctx, reason); err != nil {
				c.logger.Error().Err(err).Msg("Reset request failed")
			}
		}
	}
}

// ResetAndPost commits the open session, reports the elapsed TV-on time as
// a PowerOff record and re-anchors the timer. The re-anchor does not wait
// for delivery. Without a registered device it does nothing.
func (c *Coordinator) ResetAndPost(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registered(ctx) {
		c.logger.Debug().Str("reason", reason).Msg("No device registered, reset skipped")
		return nil
	}

	if c.tracker != nil {
		c.tracker.ForceCommit(ctx, reason, true)
	}
	return c.resetAndPost(ctx, reason)
}

// ScreenOff closes the open session, pauses tracking and resets the timer.
func (c *Coordinator) ScreenOff(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.ForceCommit(ctx, string(SignalScreenOff), false)
		c.tracker.Pause()
	}

	if !c.registered(ctx) {
		c.logger.Debug().Msg("No device registered, screen-off reset skipped")
		return nil
	}
	return c.resetAndPost(ctx, string(SignalScreenOff))
}

// ScreenOn anchors the timer when it is unset and resumes tracking.
func (c *Coordinator) ScreenOn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.Resume()
	}
	return c.startIfUnset(ctx, string(SignalScreenOn))
}

// Shutdown stores a pending uptime marker for the next boot. No network
// call is made and the anchor is left in place.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.Pause()
	}

	now := c.clock.Now()
	anchor, err := c.timer.Anchor(ctx)
	if err != nil {
		return fmt.Errorf("read anchor: %w", err)
	}
	if anchor <= 0 {
		c.logger.Info().Msg("TV timer not running, no pending uptime recorded")
		return nil
	}

	marker := storage.PendingUptime{
		EndMs:          now.UnixMilli(),
		ElapsedSeconds: storage.ElapsedSeconds(anchor, now.UnixMilli()),
	}
	if err := c.pending.SavePending(ctx, marker); err != nil {
		return fmt.Errorf("save pending uptime: %w", err)
	}

	c.logger.Info().
		Int64("anchor_ms", anchor).
		Int64("tv_on_seconds", marker.ElapsedSeconds).
		Msg("Pending uptime recorded for next boot")
	return nil
}

// Boot consumes a pending uptime marker, if any, re-anchors the timer and
// resumes tracking. The marker is cleared before delivery is attempted, so
// it is consumed exactly once whatever the outcome. Boot must run before
// the first tick.
func (c *Coordinator) Boot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracker != nil {
		defer c.tracker.Resume()
	}

	marker, err := c.pending.TakePending(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return c.startIfUnset(ctx, string(SignalBoot))
	}
	if err != nil {
		metrics.PendingFlushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("take pending uptime: %w", err)
	}

	end := marker.EndTime()
	if marker.EndMs <= 0 {
		end = c.clock.Now()
	}
	record := history.NewPowerOffRecord(c.powerOffApp, marker.ElapsedSeconds, end)
	logger := c.logger.With().
		Str("record_id", record.ID).
		Int64("tv_on_seconds", marker.ElapsedSeconds).
		Logger()

	switch err := c.reporter.Report(ctx, record); {
	case err == nil:
		metrics.PendingFlushesTotal.WithLabelValues("dispatched").Inc()
		logger.Info().Msg("Flushing pending uptime from shutdown")
	case errors.Is(err, history.ErrNoDevice):
		metrics.PendingFlushesTotal.WithLabelValues("no_device").Inc()
		logger.Debug().Msg("No device registered, pending uptime dropped")
	default:
		metrics.PendingFlushesTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("Failed to flush pending uptime")
	}

	_, err = c.reanchor(ctx, string(SignalBoot))
	return err
}

// HandleSignal dispatches a power signal.
func (c *Coordinator) HandleSignal(ctx context.Context, signal Signal) error {
	c.logger.Debug().Str("signal", string(signal)).Msg("Power signal received")

	switch signal {
	case SignalScreenOff:
		return c.ScreenOff(ctx)
	case SignalScreenOn:
		return c.ScreenOn(ctx)
	case SignalShutdown:
		return c.Shutdown(ctx)
	case SignalBoot:
		return c.Boot(ctx)
	case SignalReset:
		return c.ResetAndPost(ctx, string(SignalReset))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}
}

// resetAndPost reports the lap since the previous anchor and re-anchors.
// Callers hold c.mu.
func (c *Coordinator) resetAndPost(ctx context.Context, reason string) error {
	now := c.clock.Now()

	prev, err := c.reanchor(ctx, reason)
	if err != nil {
		return err
	}
	if prev <= 0 {
		// Nothing was running, so there is no lap to report.
		return nil
	}

	elapsed := storage.ElapsedSeconds(prev, now.UnixMilli())
	record := history.NewPowerOffRecord(c.powerOffApp, elapsed, now)

	logger := c.logger.With().
		Str("record_id", record.ID).
		Str("reason", reason).
		Int64("tv_on_seconds", elapsed).
		Logger()

	if err := c.reporter.Report(ctx, record); err != nil {
		if errors.Is(err, history.ErrNoDevice) {
			logger.Debug().Msg("No device registered, lap not reported")
			return nil
		}
		logger.Error().Err(err).Msg("Failed to report TV timer lap")
		return nil
	}
	logger.Info().Msg("TV timer lap reported")
	return nil
}

// reanchor moves the anchor to now (never backwards) and notifies
// observers. It returns the previous anchor.
func (c *Coordinator) reanchor(ctx context.Context, reason string) (int64, error) {
	prev, next, err := c.timer.ResetAnchor(ctx, c.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset anchor: %w", err)
	}

	metrics.TimerResetsTotal.WithLabelValues(reason).Inc()
	c.logger.Info().
		Int64("anchor_ms", next).
		Int64("previous_anchor_ms", prev).
		Str("reason", reason).
		Msg("TV timer re-anchored")
	c.publish(events.Event{Type: events.TimerReset, AnchorMs: next, Reason: reason})
	return prev, nil
}

// startIfUnset anchors the timer at now when it is not running.
func (c *Coordinator) startIfUnset(ctx context.Context, reason string) error {
	started, anchor, err := c.timer.StartIfUnset(ctx, c.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("start timer: %w", err)
	}
	if !started {
		return nil
	}

	metrics.TimerResetsTotal.WithLabelValues(reason).Inc()
	c.logger.Info().Int64("anchor_ms", anchor).Str("reason", reason).Msg("TV timer started")
	c.publish(events.Event{Type: events.TimerReset, AnchorMs: anchor, Reason: reason})
	return nil
}

func (c *Coordinator) registered(ctx context.Context) bool {
	device, err := c.devices.Device(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn().Err(err).Msg("Failed to read device identity")
	}
	return err == nil && device.Registered()
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = c.clock.Now()
	}
	c.bus.Publish(e)
}

// Elapsed returns the anchor and the seconds since it at now.
func (c *Coordinator) Elapsed(ctx context.Context, now time.Time) (int64, int64, error) {
	anchor, err := c.timer.Anchor(ctx)
	if err != nil {
		return 0, 0, err
	}
	return anchor, storage.ElapsedSeconds(anchor, now.UnixMilli()), nil
}
