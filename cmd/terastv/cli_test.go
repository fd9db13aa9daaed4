package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/terastv/internal/control"
	"github.com/goodtune/terastv/internal/history"
)

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		secs int64
		want string
	}{
		{0, "0s"},
		{59, "59s"},
		{125, "2m05s"},
		{3600, "1h00m00s"},
		{3725, "1h02m05s"},
	}

	for _, tt := range tests {
		if got := formatSeconds(tt.secs); got != tt.want {
			t.Errorf("formatSeconds(%d) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	renderHistory(&buf, []history.Entry{
		{Date: "2024-03-01 19:02:05", AppName: "Netflix", AppURL: "com.netflix.ninja", AppDuration: 120, TVDuration: 300},
		{Date: "2024-03-01 19:10:00", AppName: "PowerOff", AppURL: "PowerOff", AppDuration: 600, TVDuration: 600},
	})

	out := buf.String()
	for _, want := range []string{"Netflix", "com.netflix.ninja", "PowerOff", "2 entries", "12m00s"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestControlClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/status":
			_ = json.NewEncoder(w).Encode(control.Status{AnchorMs: 1000, TVOnSeconds: 42})
		case "/v1/power/reboot":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(control.ErrorResponse{Error: "Bad Request", Message: "unknown power signal", Code: 400})
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	controlAPIAddr = srv.URL
	defer func() { controlAPIAddr = "" }()

	client, err := newControlClient()
	if err != nil {
		t.Fatalf("newControlClient failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var status control.Status
	if err := client.do(ctx, http.MethodGet, "/v1/status", &status); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.TVOnSeconds != 42 {
		t.Errorf("Expected tv_on_seconds 42, got %d", status.TVOnSeconds)
	}

	if err := client.do(ctx, http.MethodPost, "/v1/reset", nil); err != nil {
		t.Errorf("reset failed: %v", err)
	}

	err = client.do(ctx, http.MethodPost, "/v1/power/reboot", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown power signal") {
		t.Errorf("Expected API error message, got %v", err)
	}
}
