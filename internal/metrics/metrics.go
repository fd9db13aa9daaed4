package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tracker metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_ticks_total",
			Help: "Total tracker ticks by result",
		},
		[]string{"result"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_sessions_total",
			Help: "Foreground sessions closed, by outcome",
		},
		[]string{"outcome"},
	)

	SessionSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "terastv_session_seconds_total",
			Help: "Total seconds attributed to committed sessions",
		},
	)

	// Reporter metrics
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_reports_total",
			Help: "History reports submitted to the backend",
		},
		[]string{"kind", "result"},
	)

	ReportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "terastv_report_duration_seconds",
			Help:    "History report round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Lifecycle metrics
	TimerResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_timer_resets_total",
			Help: "TV timer re-anchors, by reason",
		},
		[]string{"reason"},
	)

	PendingFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_pending_flushes_total",
			Help: "Pending uptime markers consumed at boot",
		},
		[]string{"result"},
	)

	TVOnSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "terastv_tv_on_seconds",
			Help: "Seconds elapsed since the TV timer anchor",
		},
	)

	// Probe metrics
	ProbeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_probe_events_total",
			Help: "Foreground events ingested, by kind",
		},
		[]string{"kind"},
	)

	LabelCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "terastv_label_cache_hits_total",
			Help: "Label cache hits",
		},
	)

	LabelCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "terastv_label_cache_misses_total",
			Help: "Label cache misses",
		},
	)

	// Bus metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terastv_events_dropped_total",
			Help: "Notifications dropped because a subscriber was full",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		SessionsTotal,
		SessionSecondsTotal,
		ReportsTotal,
		ReportDuration,
		TimerResetsTotal,
		PendingFlushesTotal,
		TVOnSeconds,
		ProbeEventsTotal,
		LabelCacheHits,
		LabelCacheMisses,
		EventsDropped,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
