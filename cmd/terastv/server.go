package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/control"
	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/history"
	"github.com/goodtune/terastv/internal/lifecycle"
	"github.com/goodtune/terastv/internal/metrics"
	"github.com/goodtune/terastv/internal/mqtt"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/storage/bolt"
	"github.com/goodtune/terastv/internal/storage/redis"
	"github.com/goodtune/terastv/internal/systemd"
	"github.com/goodtune/terastv/internal/title"
	"github.com/goodtune/terastv/internal/tracker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start TerasTV tracker",
	Long:  `Start the session tracker, lifecycle coordinator, control API, metrics endpoint and (optionally) the MQTT bridge.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting TerasTV")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedDevice(ctx, store.Device(), cfg.Device, logger); err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	// Labels and the foreground event log
	labels, err := probe.NewLabelCache(cfg.Tracking.LabelMap(), cfg.Tracking.LabelCacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize label cache: %w", err)
	}
	eventLog := probe.NewEventLog(cfg.Probe.BufferSize, labels)

	// Tracking policy
	staticPolicy := policy.NewStaticPolicy(cfg.Device.SelfPackage, cfg.Tracking.IgnorePackages)
	var trackingPolicy policy.TrackingPolicy = staticPolicy
	var opaPolicy *policy.OPAPolicy
	if cfg.Policy.OPAPolicyDir != "" {
		opaPolicy, err = policy.NewOPAPolicy(cfg.Policy.OPAPolicyDir, staticPolicy, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracking policy: %w", err)
		}
		trackingPolicy = opaPolicy
		logger.Info().Str("policy_dir", cfg.Policy.OPAPolicyDir).Msg("OPA tracking policy loaded")
	}

	// History backend
	client, err := history.NewHTTPClient(cfg.Backend)
	if err != nil {
		return fmt.Errorf("failed to initialize history client: %w", err)
	}
	reporter := history.NewReporter(client, store.Device(), bus, logger)

	resolver := title.NewResolver(store.Titles(), config.ParseDuration(cfg.Tracking.TitleStaleness, title.DefaultStaleness), logger)

	sessionTracker := tracker.New(
		tracker.Deps{
			Probe:    eventLog,
			Labels:   labels,
			Policy:   trackingPolicy,
			Titles:   resolver,
			Timer:    store.Timer(),
			Reporter: reporter,
		},
		tracker.Config{
			TickInterval:       config.ParseDuration(cfg.Tracking.TickInterval, tracker.DefaultTickInterval),
			LookbackWindow:     config.ParseDuration(cfg.Tracking.LookbackWindow, tracker.DefaultLookbackWindow),
			MinSessionDuration: config.ParseDuration(cfg.Tracking.MinSessionDuration, tracker.DefaultMinSessionDuration),
		},
		logger,
	)

	coordinator := lifecycle.NewCoordinator(lifecycle.Deps{
		Store:    store,
		Reporter: reporter,
		Tracker:  sessionTracker,
		Bus:      bus,
	}, cfg.Lifecycle.PowerOffApp, logger)

	// The pending uptime from the last shutdown is flushed before the
	// first tick can report anything.
	if err := coordinator.Boot(ctx); err != nil {
		logger.Error().Err(err).Msg("Boot accounting failed")
	}

	if cfg.Backend.CheckRegistrationOnStart {
		go func() {
			if _, err := history.RefreshRegistration(ctx, client, store.Device(), cfg.Device.Serial, logger); err != nil && !errors.Is(err, history.ErrNoDevice) {
				logger.Warn().Err(err).Msg("Registration check failed, keeping local identity")
			}
		}()
	}

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	goRun(sessionTracker.Run)
	goRun(coordinator.Run)
	goRun(func(ctx context.Context) { systemd.RunWatchdog(ctx, logger) })

	// Initialize Control Server
	controlAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.ControlPort)
	controlServer := control.NewServer(controlAddr, control.Deps{
		Store:     store,
		Events:    eventLog,
		Signals:   coordinator,
		Sessions:  sessionTracker,
		Publisher: bus,
	}, logger)

	if sdListeners.Activated && sdListeners.Control != nil {
		controlServer.SetListener(sdListeners.Control)
	}

	if err := controlServer.Start(); err != nil {
		return fmt.Errorf("failed to start Control Server: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	// Initialize MQTT bridge (if enabled)
	var mqttClient mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = startBridge(ctx, cfg.MQTT, store, eventLog, coordinator, bus, goRun, logger)
		if err != nil {
			logger.Error().Err(err).Msg("MQTT bridge disabled")
		}
	}

	logger.Info().Msg("TerasTV startup complete")
	logger.Info().Msgf("Control API: http://%s/v1/status", controlAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown, reload or reset)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			if opaPolicy == nil {
				logger.Info().Msg("SIGHUP received, no OPA policy to reload")
				continue
			}
			logger.Info().Msg("SIGHUP received, reloading policies...")
			_ = systemd.NotifyReloading()
			if err := opaPolicy.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies")
			} else {
				logger.Info().Msg("Policies reloaded successfully")
			}
			_ = systemd.NotifyReady()
			continue

		case syscall.SIGUSR1:
			logger.Info().Msg("SIGUSR1 received, requesting TV timer reset")
			bus.Publish(events.Event{Type: events.ResetRequested, Reason: "signal"})
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Record the pending uptime before the loops go away.
	if err := coordinator.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to record pending uptime")
	}

	cancel()
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	if err := controlServer.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping Control Server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	if mqttClient != nil {
		_ = mqttClient.Close()
	}

	waitForReports(reporter, config.ParseDuration(cfg.Backend.Timeout, 30*time.Second), logger)

	logger.Info().Msg("TerasTV stopped")

	return nil
}

func startBridge(
	ctx context.Context,
	cfg config.MQTTConfig,
	store storage.Store,
	eventLog *probe.EventLog,
	coordinator *lifecycle.Coordinator,
	bus *events.Bus,
	goRun func(func(context.Context)),
	logger zerolog.Logger,
) (mqtt.Client, error) {
	device, err := store.Device().Device(ctx)
	if err != nil {
		return nil, fmt.Errorf("device serial is required for MQTT topics: %w", err)
	}

	topics, err := mqtt.NewTopics(cfg.TopicPrefix, device.Serial)
	if err != nil {
		return nil, err
	}

	client, err := mqtt.NewRealClient(cfg.Broker, cfg.ClientID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	bridge := mqtt.NewBridge(mqtt.Deps{
		Client:  client,
		Events:  eventLog,
		Titles:  store.Titles(),
		Signals: coordinator,
		Bus:     bus,
	}, topics, logger)

	goRun(func(ctx context.Context) {
		if err := bridge.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("MQTT bridge stopped")
		}
	})

	logger.Info().
		Str("broker", cfg.Broker).
		Str("usage_topic", topics.Usage).
		Msg("MQTT bridge started")
	return client, nil
}

// seedDevice stores the configured identity when the store has none.
func seedDevice(ctx context.Context, devices storage.DeviceStore, cfg config.DeviceConfig, logger zerolog.Logger) error {
	if cfg.Serial == "" {
		return nil
	}

	_, err := devices.Device(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read device identity: %w", err)
	}

	device := storage.Device{
		Serial:         cfg.Serial,
		OrganizationID: cfg.OrganizationID,
		SchoolName:     cfg.SchoolName,
	}
	if err := devices.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to seed device identity: %w", err)
	}
	logger.Info().Str("sn_tv", cfg.Serial).Msg("Device identity seeded from configuration")
	return nil
}

// waitForReports gives in-flight history submissions up to timeout.
func waitForReports(reporter *history.Reporter, timeout time.Duration, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		reporter.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("Giving up on in-flight history reports")
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
