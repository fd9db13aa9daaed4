package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/lifecycle"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/title"
)

// EventRecorder accepts foreground usage events.
type EventRecorder interface {
	Record(e probe.Event, now time.Time) error
}

// SignalHandler dispatches power signals.
type SignalHandler interface {
	HandleSignal(ctx context.Context, signal lifecycle.Signal) error
}

// Deps are the bridge's collaborators
type Deps struct {
	Client  Client
	Events  EventRecorder
	Titles  storage.TitleStore
	Signals SignalHandler
	Bus     *events.Bus
	Clock   policy.Clock
}

// Bridge feeds inbound MQTT messages into the tracker's inputs and
// forwards bus notifications to the broker.
type Bridge struct {
	deps   Deps
	topics Topics
	logger zerolog.Logger
}

// NewBridge creates a bridge for topics.
func NewBridge(deps Deps, topics Topics, logger zerolog.Logger) *Bridge {
	if deps.Clock == nil {
		deps.Clock = policy.RealClock{}
	}
	return &Bridge{
		deps:   deps,
		topics: topics,
		logger: logger.With().Str("component", "mqtt-bridge").Logger(),
	}
}

// Run subscribes to the inbound topics and forwards notifications until
// ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	subscriptions := map[string]func(context.Context, []byte) error{
		b.topics.Usage: b.handleUsage,
		b.topics.Title: b.handleTitle,
		b.topics.Power: b.handlePower,
	}
	for topic, handle := range subscriptions {
		handle := handle
		err := b.deps.Client.Subscribe(topic, 1, func(topic string, payload []byte) {
			if err := handle(ctx, payload); err != nil {
				b.logger.Warn().Err(err).Str("topic", topic).Msg("Rejected MQTT message")
			}
		})
		if err != nil {
			return err
		}
	}

	if b.deps.Bus == nil {
		<-ctx.Done()
		return nil
	}

	updates, cancel := b.deps.Bus.Subscribe(64)
	defer cancel()

	b.logger.Info().Str("notifications", b.topics.Notifications).Msg("MQTT bridge started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-updates:
			if !ok {
				return nil
			}
			b.forward(e)
		}
	}
}

func (b *Bridge) forward(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode notification")
		return
	}
	if err := b.deps.Client.Publish(b.topics.Notifications, 0, false, payload); err != nil {
		b.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("Failed to publish notification")
	}
}

func (b *Bridge) handleUsage(_ context.Context, payload []byte) error {
	var e probe.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("decode usage event: %w", err)
	}
	return b.deps.Events.Record(e, b.deps.Clock.Now())
}

func (b *Bridge) handleTitle(ctx context.Context, payload []byte) error {
	var record storage.TitleRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return fmt.Errorf("decode title: %w", err)
	}
	_, err := title.Ingest(ctx, b.deps.Titles, record, b.deps.Clock.Now())
	return err
}

// handlePower accepts either a bare signal name or {"signal": "..."}.
func (b *Bridge) handlePower(ctx context.Context, payload []byte) error {
	name := string(bytes.TrimSpace(payload))
	if bytes.HasPrefix(bytes.TrimSpace(payload), []byte("{")) {
		var msg struct {
			Signal string `json:"signal"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode power signal: %w", err)
		}
		name = msg.Signal
	}

	signal, err := lifecycle.ParseSignal(name)
	if err != nil {
		return err
	}
	return b.deps.Signals.HandleSignal(ctx, signal)
}
