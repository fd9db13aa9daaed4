package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/lifecycle"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/title"
	"github.com/goodtune/terastv/internal/tracker"
)

const maxBodyBytes = 64 << 10

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Status is the body of GET /v1/status.
type Status struct {
	Now            time.Time        `json:"now"`
	AnchorMs       int64            `json:"anchor_ms"`
	TVOnSeconds    int64            `json:"tv_on_seconds"`
	Paused         bool             `json:"paused"`
	Session        *tracker.Session `json:"session"`
	PendingUptime  bool             `json:"pending_uptime"`
	Device         *storage.Device  `json:"device,omitempty"`
	LatestTitle    string           `json:"latest_title,omitempty"`
	LatestTitlePkg string           `json:"latest_title_package,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.deps.Clock.Now()

	anchor, err := s.deps.Store.Timer().Anchor(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read anchor")
		writeError(w, http.StatusInternalServerError, "Failed to read TV timer")
		return
	}

	pending, err := s.deps.Store.Pending().HasPending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read pending marker")
		writeError(w, http.StatusInternalServerError, "Failed to read pending uptime")
		return
	}

	status := Status{
		Now:           now,
		AnchorMs:      anchor,
		TVOnSeconds:   storage.ElapsedSeconds(anchor, now.UnixMilli()),
		PendingUptime: pending,
	}

	if s.deps.Sessions != nil {
		status.Session = s.deps.Sessions.Current()
		status.Paused = s.deps.Sessions.Paused()
	}

	if device, err := s.deps.Store.Device().Device(ctx); err == nil {
		status.Device = device
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("Failed to read device identity")
	}

	if record, err := s.deps.Store.Titles().LatestTitle(ctx); err == nil {
		status.LatestTitle = record.Title
		status.LatestTitlePkg = record.PackageID
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "Reset is not available")
		return
	}
	s.deps.Publisher.Publish(events.Event{Type: events.ResetRequested, Reason: "user_request"})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	signal, err := lifecycle.ParseSignal(mux.Vars(r)["signal"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Signals.HandleSignal(r.Context(), signal); err != nil {
		s.logger.Error().Err(err).Str("signal", string(signal)).Msg("Power signal failed")
		writeError(w, http.StatusInternalServerError, "Failed to handle power signal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signal": string(signal)})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var e probe.Event
	if err := decodeBody(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.deps.Events.Record(e, s.deps.Clock.Now()); err != nil {
		if errors.Is(err, probe.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Failed to record usage event")
		writeError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var record storage.TitleRecord
	if err := decodeBody(r, &record); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	stored, err := title.Ingest(r.Context(), s.deps.Store.Titles(), record, s.deps.Clock.Now())
	if err != nil {
		if errors.Is(err, title.ErrRejected) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Failed to store title")
		writeError(w, http.StatusInternalServerError, "Failed to store title")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}
