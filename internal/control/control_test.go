package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/lifecycle"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/storage/bolt"
	"github.com/goodtune/terastv/internal/tracker"
)

var t0 = time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)

type recordedSignals struct {
	mu      sync.Mutex
	signals []lifecycle.Signal
	err     error
}

func (r *recordedSignals) HandleSignal(_ context.Context, signal lifecycle.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.signals = append(r.signals, signal)
	return nil
}

type fixedSessions struct {
	session *tracker.Session
	paused  bool
}

func (f fixedSessions) Current() *tracker.Session { return f.session }
func (f fixedSessions) Paused() bool              { return f.paused }

type fixture struct {
	store   *bolt.Store
	log     *probe.EventLog
	signals *recordedSignals
	bus     *events.Bus
	handler http.Handler
}

func newFixture(t *testing.T, sessions SessionView) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		log:     probe.NewEventLog(16, nil),
		signals: &recordedSignals{},
		bus:     events.NewBus(),
	}
	s := NewServer("127.0.0.1:0", Deps{
		Store:     store,
		Events:    f.log,
		Signals:   f.signals,
		Sessions:  sessions,
		Publisher: f.bus,
		Clock:     policy.NewTestClock(t0),
	}, zerolog.Nop())
	f.handler = s.Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("GET", "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	session := &tracker.Session{PackageID: "com.netflix.ninja", Label: "Netflix", Start: t0.Add(-time.Minute)}
	f := newFixture(t, fixedSessions{session: session})
	ctx := context.Background()

	if err := f.store.Fields().SetInt(ctx, storage.FieldTimerStart, t0.Add(-110*time.Second).UnixMilli()); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}
	if err := f.store.Device().SaveDevice(ctx, storage.Device{Serial: "SN-001", OrganizationID: "20100001"}); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}
	if err := f.store.Pending().SavePending(ctx, storage.PendingUptime{EndMs: t0.UnixMilli(), ElapsedSeconds: 5}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	rec := f.do("GET", "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if status.TVOnSeconds != 110 {
		t.Errorf("Expected tv_on_seconds 110, got %d", status.TVOnSeconds)
	}
	if !status.PendingUptime {
		t.Error("Expected pending uptime")
	}
	if status.Session == nil || status.Session.PackageID != "com.netflix.ninja" {
		t.Errorf("Expected netflix session, got %+v", status.Session)
	}
	if status.Device == nil || status.Device.Serial != "SN-001" {
		t.Errorf("Expected device SN-001, got %+v", status.Device)
	}
}

func TestStatus_Empty(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("GET", "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if status.AnchorMs != 0 || status.TVOnSeconds != 0 || status.Device != nil || status.Session != nil {
		t.Errorf("Expected empty status, got %+v", status)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, nil)
	updates, cancel := f.bus.Subscribe(4)
	defer cancel()

	rec := f.do("POST", "/v1/reset", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}

	select {
	case e := <-updates:
		if e.Type != events.ResetRequested {
			t.Errorf("Expected reset_requested, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected reset_requested event")
	}
}

func TestPower(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantSignal lifecycle.Signal
	}{
		{name: "screen off", path: "/v1/power/screen_off", wantStatus: http.StatusOK, wantSignal: lifecycle.SignalScreenOff},
		{name: "dashed", path: "/v1/power/screen-on", wantStatus: http.StatusOK, wantSignal: lifecycle.SignalScreenOn},
		{name: "unknown", path: "/v1/power/reboot", wantStatus: http.StatusBadRequest},
		{name: "handler error", path: "/v1/power/shutdown", err: errors.New("disk full"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.signals.err = tt.err

			rec := f.do("POST", tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantSignal != "" {
				if len(f.signals.signals) != 1 || f.signals.signals[0] != tt.wantSignal {
					t.Errorf("Expected %s dispatched, got %v", tt.wantSignal, f.signals.signals)
				}
			}
		})
	}
}

func TestPower_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do("GET", "/v1/power/screen_off", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("POST", "/v1/events", `{"package":"com.netflix.ninja","kind":"activity_resumed"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := f.log.LatestForeground(context.Background(), t0, 10*time.Second)
	if err != nil || got != "com.netflix.ninja" {
		t.Errorf("Expected netflix recorded, got %q (err: %v)", got, err)
	}

	if rec := f.do("POST", "/v1/events", `{"kind":"activity_resumed"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing package, got %d", rec.Code)
	}
	if rec := f.do("POST", "/v1/events", `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", rec.Code)
	}
}

func TestTitles(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do("POST", "/v1/titles", `{"package_id":"com.netflix.ninja","title":"Inception"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	record, err := f.store.Titles().LatestTitle(context.Background())
	if err != nil {
		t.Fatalf("LatestTitle failed: %v", err)
	}
	if record.Title != "Inception" || !record.CapturedAt.Equal(t0) {
		t.Errorf("Unexpected title record: %+v", record)
	}

	if rec := f.do("POST", "/v1/titles", `{"package_id":"com.x","title":"  "}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for blank title, got %d", rec.Code)
	}
}
