package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/history"
	"github.com/goodtune/terastv/internal/metrics"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/title"
)

const (
	// DefaultTickInterval is the polling cadence
	DefaultTickInterval = time.Second

	// DefaultLookbackWindow bounds how far back the probe looks
	DefaultLookbackWindow = 10 * time.Second

	// DefaultMinSessionDuration is the minimum duration to report a session
	DefaultMinSessionDuration = 2 * time.Second
)

// Reporter accepts completed session records.
type Reporter interface {
	Report(ctx context.Context, record history.Record) error
}

// Config holds tracker configuration
type Config struct {
	TickInterval       time.Duration
	LookbackWindow     time.Duration
	MinSessionDuration time.Duration
}

// Deps are the tracker's collaborators
type Deps struct {
	Probe    probe.Probe
	Labels   probe.LabelResolver
	Policy   policy.TrackingPolicy
	Titles   *title.Resolver
	Timer    storage.TimerStore
	Reporter Reporter
	Clock    policy.Clock
}

// Tracker owns the single current foreground session
type Tracker struct {
	deps   Deps
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	current *Session
	paused  bool
	floor   time.Time // probe events before floor are not considered
}

// New creates a new session tracker
func New(deps Deps, config Config, logger zerolog.Logger) *Tracker {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.LookbackWindow <= 0 {
		config.LookbackWindow = DefaultLookbackWindow
	}
	if config.MinSessionDuration <= 0 {
		config.MinSessionDuration = DefaultMinSessionDuration
	}
	if deps.Clock == nil {
		deps.Clock = policy.RealClock{}
	}

	return &Tracker{
		deps:   deps,
		config: config,
		logger: logger.With().Str("component", "tracker").Logger(),
	}
}

// Run ticks until ctx is canceled. The open session is not committed on
// exit; shutdown accounting belongs to the lifecycle coordinator.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.TickInterval)
	defer ticker.Stop()

	t.logger.Info().
		Dur("tick_interval", t.config.TickInterval).
		Dur("lookback_window", t.config.LookbackWindow).
		Msg("Session tracker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Session tracker stopped")
			return
		case <-ticker.C:
			_ = t.Tick(ctx)
		}
	}
}

// Tick polls the probe once and applies any session transition. Errors are
// logged and counted; the next tick starts from live platform state.
func (t *Tracker) Tick(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paused {
		metrics.TicksTotal.WithLabelValues("paused").Inc()
		return nil
	}

	now := t.deps.Clock.Now()
	t.observeAnchor(ctx, now)

	window := t.config.LookbackWindow
	if !t.floor.IsZero() && now.Sub(t.floor) < window {
		window = now.Sub(t.floor)
	}

	top, err := t.deps.Probe.LatestForeground(ctx, now, window)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		t.logger.Error().Err(err).Msg("Foreground probe failed, skipping tick")
		return fmt.Errorf("probe: %w", err)
	}
	metrics.TicksTotal.WithLabelValues("ok").Inc()

	// No transition in the window says nothing about what is on screen.
	if top == "" {
		return nil
	}

	if t.current != nil && t.current.PackageID == top {
		return nil
	}

	if t.current != nil {
		t.commit(ctx, *t.current, now)
		t.current = nil
	}

	if t.deps.Policy.Ignored(ctx, top) {
		return nil
	}

	t.current = t.open(top, now)
	return nil
}

// ForceCommit commits the open session ending at the current time. When
// keepOpen is set the same package continues in a fresh session starting
// now, otherwise the tracker has no session afterwards.
func (t *Tracker) ForceCommit(ctx context.Context, reason string, keepOpen bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return
	}

	now := t.deps.Clock.Now()
	session := *t.current
	t.logger.Debug().Str("package", session.PackageID).Str("reason", reason).Msg("Forcing session commit")
	t.commit(ctx, session, now)

	if keepOpen {
		t.current.Start = now
		return
	}
	t.current = nil
}

// Pause stops session tracking until Resume.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume restarts tracking. Only foreground events at or after the resume
// time can open a session.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	t.current = nil
	t.floor = t.deps.Clock.Now()
}

// Paused reports whether tracking is paused.
func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Current returns a copy of the open session, or nil.
func (t *Tracker) Current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	s := *t.current
	return &s
}

func (t *Tracker) open(packageID string, now time.Time) *Session {
	label, err := t.deps.Labels.Label(packageID)
	if err != nil || label == "" {
		t.logger.Debug().Err(err).Str("package", packageID).Msg("Label lookup failed, using package id")
		label = packageID
	}

	t.logger.Info().Str("package", packageID).Str("label", label).Msg("Session started")
	return &Session{PackageID: packageID, Label: label, Start: now}
}

// commit reports session ending at end unless it is shorter than the
// minimum duration.
func (t *Tracker) commit(ctx context.Context, session Session, end time.Time) {
	secs := session.DurationSeconds(end)
	if secs < int64(t.config.MinSessionDuration/time.Second) {
		metrics.SessionsTotal.WithLabelValues("discarded").Inc()
		t.logger.Debug().
			Str("package", session.PackageID).
			Int64("duration_seconds", secs).
			Msg("Discarding short session")
		return
	}

	anchor, err := t.deps.Timer.Anchor(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to read TV timer anchor")
		anchor = 0
	}
	tvOn := storage.ElapsedSeconds(anchor, end.UnixMilli())

	appTitle, source := t.deps.Titles.Resolve(ctx, session.PackageID, session.Label, end)
	record := history.NewSessionRecord(session.PackageID, session.Label, appTitle, secs, tvOn, end)

	logger := t.logger.With().
		Str("record_id", record.ID).
		Str("package", session.PackageID).
		Str("title", appTitle).
		Str("title_source", string(source)).
		Int64("duration_seconds", secs).
		Int64("tv_on_seconds", tvOn).
		Logger()

	if err := t.deps.Reporter.Report(ctx, record); err != nil {
		metrics.SessionsTotal.WithLabelValues("skipped").Inc()
		if errors.Is(err, history.ErrNoDevice) {
			logger.Debug().Msg("No device registered, session not reported")
			return
		}
		logger.Error().Err(err).Msg("Failed to report session")
		return
	}

	metrics.SessionsTotal.WithLabelValues("committed").Inc()
	metrics.SessionSecondsTotal.Add(float64(secs))
	logger.Info().Msg("Session committed")
}

func (t *Tracker) observeAnchor(ctx context.Context, now time.Time) {
	anchor, err := t.deps.Timer.Anchor(ctx)
	if err != nil {
		return
	}
	metrics.TVOnSeconds.Set(float64(storage.ElapsedSeconds(anchor, now.UnixMilli())))
}
