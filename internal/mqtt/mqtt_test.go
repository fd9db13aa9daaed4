package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/lifecycle"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage/bolt"
)

var t0 = time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)

func TestNewTopics(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		serial  string
		want    string
		wantErr bool
	}{
		{name: "plain", prefix: "terastv", serial: "SN-001", want: "terastv/SN-001/usage"},
		{name: "trims slashes", prefix: "/school/tv/", serial: "SN-001", want: "school/tv/SN-001/usage"},
		{name: "empty prefix", prefix: "", serial: "SN-001", wantErr: true},
		{name: "empty serial", prefix: "terastv", serial: "", wantErr: true},
		{name: "wildcard serial", prefix: "terastv", serial: "SN+1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topics, err := NewTopics(tt.prefix, tt.serial)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", topics)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if topics.Usage != tt.want {
				t.Errorf("usage topic: got %s, want %s", topics.Usage, tt.want)
			}
		})
	}
}

type recordedSignals struct {
	mu      sync.Mutex
	signals []lifecycle.Signal
}

func (r *recordedSignals) HandleSignal(_ context.Context, signal lifecycle.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal)
	return nil
}

func (r *recordedSignals) list() []lifecycle.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycle.Signal(nil), r.signals...)
}

type bridgeFixture struct {
	client  *FakeClient
	log     *probe.EventLog
	store   *bolt.Store
	signals *recordedSignals
	bus     *events.Bus
	topics  Topics
	cancel  context.CancelFunc
	done    chan struct{}
}

func startBridge(t *testing.T) *bridgeFixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	topics, err := NewTopics("terastv", "SN-001")
	if err != nil {
		t.Fatalf("NewTopics failed: %v", err)
	}

	f := &bridgeFixture{
		client:  NewFakeClient(),
		log:     probe.NewEventLog(16, nil),
		store:   store,
		signals: &recordedSignals{},
		bus:     events.NewBus(),
		topics:  topics,
		done:    make(chan struct{}),
	}

	bridge := NewBridge(Deps{
		Client:  f.client,
		Events:  f.log,
		Titles:  store.Titles(),
		Signals: f.signals,
		Bus:     f.bus,
		Clock:   policy.NewTestClock(t0),
	}, topics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		if err := bridge.Run(ctx); err != nil {
			t.Errorf("bridge.Run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

// deliver retries until Run has registered the topic handler.
func (f *bridgeFixture) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !f.client.Deliver(topic, []byte(payload)) {
		if time.Now().After(deadline) {
			t.Fatalf("no handler subscribed to %s", topic)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeUsageEvents(t *testing.T) {
	f := startBridge(t)

	f.deliver(t, f.topics.Usage, `{"package":"com.netflix.ninja","kind":"move_to_foreground","label":"Netflix"}`)

	got, err := f.log.LatestForeground(context.Background(), t0, 10*time.Second)
	if err != nil {
		t.Fatalf("LatestForeground failed: %v", err)
	}
	if got != "com.netflix.ninja" {
		t.Errorf("expected netflix in foreground, got %q", got)
	}

	// Malformed payloads are dropped without touching the log.
	f.deliver(t, f.topics.Usage, `not json`)
	if f.log.Len() != 1 {
		t.Errorf("expected 1 event, got %d", f.log.Len())
	}
}

func TestBridgeTitles(t *testing.T) {
	f := startBridge(t)
	ctx := context.Background()

	f.deliver(t, f.topics.Title, `{"package_id":"com.netflix.ninja","title":" Inception "}`)

	record, err := f.store.Titles().LatestTitle(ctx)
	if err != nil {
		t.Fatalf("LatestTitle failed: %v", err)
	}
	if record.Title != "Inception" || !record.CapturedAt.Equal(t0) {
		t.Errorf("unexpected title record: %+v", record)
	}

	// A title equal to its package id is rejected.
	f.deliver(t, f.topics.Title, `{"package_id":"com.x","title":"com.x"}`)
	record, err = f.store.Titles().LatestTitle(ctx)
	if err != nil {
		t.Fatalf("LatestTitle failed: %v", err)
	}
	if record.Title != "Inception" {
		t.Errorf("expected rejected title to be ignored, got %+v", record)
	}
}

func TestBridgePowerSignals(t *testing.T) {
	f := startBridge(t)

	f.deliver(t, f.topics.Power, "screen_off")
	f.deliver(t, f.topics.Power, `{"signal":"screen-on"}`)
	f.deliver(t, f.topics.Power, "reboot")

	got := f.signals.list()
	want := []lifecycle.Signal{lifecycle.SignalScreenOff, lifecycle.SignalScreenOn}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signal %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBridgeForwardsNotifications(t *testing.T) {
	f := startBridge(t)

	// The bus subscription is made inside Run; publish until one lands.
	deadline := time.Now().Add(2 * time.Second)
	for len(f.client.Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for notification")
		}
		f.bus.Publish(events.Event{Type: events.TimerReset, AnchorMs: t0.UnixMilli(), Reason: "boot"})
		time.Sleep(5 * time.Millisecond)
	}

	msg := f.client.Messages()[0]
	if msg.Topic != "terastv/SN-001/notifications" {
		t.Errorf("topic: got %s", msg.Topic)
	}
	var e events.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if e.Type != events.TimerReset || e.AnchorMs != t0.UnixMilli() {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestBridgePublishErrorIsNotFatal(t *testing.T) {
	f := startBridge(t)
	f.client.mu.Lock()
	f.client.PublishError = errors.New("broker gone")
	f.client.mu.Unlock()

	f.bus.Publish(events.Event{Type: events.HistoryUpdated, RecordID: "01H"})

	// The bridge keeps serving inbound messages.
	f.deliver(t, f.topics.Power, "reset")
	if got := f.signals.list(); len(got) != 1 || got[0] != lifecycle.SignalReset {
		t.Errorf("expected reset signal, got %v", got)
	}
}

func TestFakeClientClose(t *testing.T) {
	c := NewFakeClient()
	if !c.IsConnected() {
		t.Error("expected connected")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.IsConnected() || !c.Closed {
		t.Error("expected closed and disconnected")
	}
}
