package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/storage/bolt"
)

var testDevice = storage.Device{Serial: "SN-001", OrganizationID: "20100001", SchoolName: "SDN 1"}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Backend
	cfg.BaseURL = srv.URL + "/api"
	client, err := NewHTTPClient(cfg)
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return client
}

func TestRecordPayload(t *testing.T) {
	ended := time.Date(2024, 3, 1, 20, 15, 30, 0, time.UTC)

	tests := []struct {
		name   string
		record Record
		want   Payload
	}{
		{
			name:   "session record",
			record: NewSessionRecord("com.netflix.ninja", "Netflix", "Inception", 95, 600, ended),
			want: Payload{
				OrganizationID: "20100001",
				Serial:         "SN-001",
				Date:           "2024-03-01 20:15:30",
				AppName:        "Inception",
				AppURL:         "com.netflix.ninja",
				AppDuration:    95,
				TVDuration:     600,
			},
		},
		{
			name:   "power off record",
			record: NewPowerOffRecord("PowerOff", 125, ended),
			want: Payload{
				OrganizationID: "20100001",
				Serial:         "SN-001",
				Date:           "2024-03-01 20:15:30",
				AppName:        "PowerOff",
				AppURL:         "",
				AppDuration:    125,
				TVDuration:     125,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.Payload(testDevice, time.UTC); got != tt.want {
				t.Errorf("Payload() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewRecordIDIsOrdered(t *testing.T) {
	at := time.Now()
	a := NewRecordID(at)
	b := NewRecordID(at)
	if a == b || a > b {
		t.Errorf("expected increasing ids, got %s then %s", a, b)
	}
}

func TestHTTPClient_PostHistory(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tv-history" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("invalid body: %v", err)
		}
		// Backend sometimes answers with an empty body
		w.WriteHeader(http.StatusCreated)
	})

	payload := NewPowerOffRecord("PowerOff", 30, time.Now()).Payload(testDevice, time.UTC)
	if err := client.PostHistory(context.Background(), payload); err != nil {
		t.Fatalf("PostHistory failed: %v", err)
	}

	for _, key := range []string{"npsn", "sn_tv", "date", "app_name", "app_url", "thumbnail", "app_duration", "tv_duration"} {
		if _, ok := got[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if got["app_name"] != "PowerOff" || got["app_duration"] != float64(30) {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestHTTPClient_PostHistoryNon2xx(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := client.PostHistory(context.Background(), Payload{Serial: "SN-001"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
}

func TestHTTPClient_ListHistory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("npsn") != "20100001" || q.Get("sn_tv") != "SN-001" || q.Get("date_from") != "2024-03-01" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"status":"ok","data":[
			{"sn_tv":"SN-001","date":"2024-03-01 20:00:00","app_name":"Netflix","app_url":"com.netflix.ninja","app_duration":60,"tv_duration":120},
			{"sn_tv":"SN-001","date":{"date":"2024-03-01 21:00:00.000000","timezone":"Asia/Jakarta"},"app_name":"PowerOff","app_url":"","thumbnail":null},
			{"sn_tv":"SN-999","date":"2024-03-01 22:00:00","app_name":"Other","app_url":"x"}
		]}`)
	})

	entries, err := client.ListHistory(context.Background(), ListQuery{
		OrganizationID: "20100001",
		Serial:         "SN-001",
		DateFrom:       "2024-03-01",
	})
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for SN-001, got %d", len(entries))
	}
	if entries[0].Date != "2024-03-01 20:00:00" || entries[0].AppDuration != 60 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Date != "2024-03-01 21:00:00.000000" || entries[1].AppDuration != 0 {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"2024-03-01 20:00:00"`, "2024-03-01 20:00:00"},
		{`{"date":"2024-03-01 20:00:00"}`, "2024-03-01 20:00:00"},
		{`{"timezone":"UTC"}`, ""},
		{`null`, ""},
		{`42`, ""},
		{``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := NormalizeDate(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("NormalizeDate(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestHTTPClient_CheckRegistration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/check-registration" || r.URL.Query().Get("sn_tv") != "SN-001" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = io.WriteString(w, `{"registered":true,"data":{"NPSN":"20100001","school_name":"SDN 1","sn_tv":"SN-001"}}`)
	})

	reg, err := client.CheckRegistration(context.Background(), "SN-001")
	if err != nil {
		t.Fatalf("CheckRegistration failed: %v", err)
	}
	if !reg.Registered || reg.Device != testDevice {
		t.Errorf("unexpected registration: %+v", reg)
	}
}

func TestReporter_NoDevice(t *testing.T) {
	store := openTestStore(t)
	fake := &FakeClient{}
	reporter := NewReporter(fake, store.Device(), nil, zerolog.Nop())

	err := reporter.Report(context.Background(), NewPowerOffRecord("PowerOff", 10, time.Now()))
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	reporter.Wait()
	if len(fake.Payloads()) != 0 {
		t.Error("expected nothing to be posted without a device")
	}
}

func TestReporter_PublishesOnSuccessOnly(t *testing.T) {
	store := openTestStore(t)
	if err := store.Device().SaveDevice(context.Background(), testDevice); err != nil {
		t.Fatalf("save device: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	notifications, cancel := bus.Subscribe(4)
	defer cancel()

	fake := &FakeClient{}
	reporter := NewReporter(fake, store.Device(), bus, zerolog.Nop())

	record := NewSessionRecord("com.netflix.ninja", "Netflix", "Netflix", 10, 20, time.Now())
	if err := reporter.Report(context.Background(), record); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	reporter.Wait()

	select {
	case e := <-notifications:
		if e.Type != events.HistoryUpdated || e.RecordID != record.ID {
			t.Errorf("unexpected event %+v", e)
		}
	default:
		t.Fatal("expected history_updated after successful delivery")
	}

	fake.SetErr(errors.New("network down"))
	if err := reporter.Report(context.Background(), record); err != nil {
		t.Fatalf("Report should not surface delivery errors: %v", err)
	}
	reporter.Wait()

	select {
	case e := <-notifications:
		t.Errorf("unexpected event after failed delivery: %+v", e)
	default:
	}
}

func TestReporter_DetachedFromCancellation(t *testing.T) {
	store := openTestStore(t)
	if err := store.Device().SaveDevice(context.Background(), testDevice); err != nil {
		t.Fatalf("save device: %v", err)
	}

	release := make(chan struct{})
	var sawCanceled atomic.Bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		sawCanceled.Store(r.Context().Err() != nil)
		w.WriteHeader(http.StatusOK)
	})

	reporter := NewReporter(client, store.Device(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := reporter.Report(ctx, NewPowerOffRecord("PowerOff", 5, time.Now())); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	cancel()
	close(release)
	reporter.Wait()

	if sawCanceled.Load() {
		t.Error("in-flight report was canceled with its parent context")
	}
}

func TestRefreshRegistration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fake := &FakeClient{Registration: &Registration{Registered: true, Device: testDevice}}

	if _, err := RefreshRegistration(ctx, fake, store.Device(), "", zerolog.Nop()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice without any serial, got %v", err)
	}

	reg, err := RefreshRegistration(ctx, fake, store.Device(), "SN-001", zerolog.Nop())
	if err != nil {
		t.Fatalf("RefreshRegistration failed: %v", err)
	}
	if !reg.Registered {
		t.Fatal("expected registered device")
	}

	got, err := store.Device().Device(ctx)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if *got != testDevice {
		t.Errorf("expected %+v, got %+v", testDevice, *got)
	}

	// Backend failure keeps the local identity
	fake.SetErr(errors.New("timeout"))
	if _, err := RefreshRegistration(ctx, fake, store.Device(), "", zerolog.Nop()); err == nil {
		t.Fatal("expected error from failing backend")
	}
	if got, err := store.Device().Device(ctx); err != nil || *got != testDevice {
		t.Errorf("local identity changed after failure: %+v, %v", got, err)
	}
}

func openTestStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
