package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/metrics"
	"github.com/goodtune/terastv/internal/storage"
)

// ErrNoDevice is returned when no device serial is registered yet. Callers
// treat it as a silent no-op.
var ErrNoDevice = errors.New("history: no device registered")

// Reporter hands completed records to the backend without blocking the
// caller. Delivery failures are logged and the record is dropped.
type Reporter struct {
	client    Client
	devices   storage.DeviceStore
	publisher events.Publisher
	location  *time.Location
	logger    zerolog.Logger

	wg sync.WaitGroup
}

// NewReporter creates a reporter.
func NewReporter(client Client, devices storage.DeviceStore, publisher events.Publisher, logger zerolog.Logger) *Reporter {
	return &Reporter{
		client:    client,
		devices:   devices,
		publisher: publisher,
		location:  time.Local,
		logger:    logger.With().Str("component", "reporter").Logger(),
	}
}

// SetLocation sets the zone used for the payload date.
func (r *Reporter) SetLocation(loc *time.Location) {
	if loc != nil {
		r.location = loc
	}
}

// Report looks up the device identity and dispatches the submission in the
// background. The submission outlives cancellation of ctx.
func (r *Reporter) Report(ctx context.Context, record Record) error {
	device, err := r.device(ctx)
	if err != nil {
		return err
	}

	payload := record.Payload(*device, r.location)
	detached := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.deliver(detached, record, payload)
	}()
	return nil
}

// Submit delivers record synchronously.
func (r *Reporter) Submit(ctx context.Context, record Record) error {
	device, err := r.device(ctx)
	if err != nil {
		return err
	}
	return r.deliver(ctx, record, record.Payload(*device, r.location))
}

// Wait blocks until every dispatched submission has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

func (r *Reporter) device(ctx context.Context) (*storage.Device, error) {
	device, err := r.devices.Device(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoDevice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}
	return device, nil
}

func (r *Reporter) deliver(ctx context.Context, record Record, payload Payload) error {
	start := time.Now()
	err := r.client.PostHistory(ctx, payload)
	metrics.ReportDuration.WithLabelValues(string(record.Kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ReportsTotal.WithLabelValues(string(record.Kind), "error").Inc()
		r.logger.Error().
			Err(err).
			Str("record_id", record.ID).
			Str("package", record.PackageID).
			Int64("duration_seconds", record.DurationSeconds).
			Msg("History report dropped")
		return err
	}

	metrics.ReportsTotal.WithLabelValues(string(record.Kind), "ok").Inc()
	r.logger.Info().
		Str("record_id", record.ID).
		Str("package", record.PackageID).
		Str("title", record.Title).
		Int64("duration_seconds", record.DurationSeconds).
		Int64("tv_on_seconds", record.TVOnSeconds).
		Msg("History reported")

	if r.publisher != nil {
		r.publisher.Publish(events.Event{Type: events.HistoryUpdated, RecordID: record.ID})
	}
	return nil
}

// RefreshRegistration asks the backend about the stored (or fallback)
// serial and saves the confirmed identity. Failures keep the local one.
func RefreshRegistration(ctx context.Context, client Client, devices storage.DeviceStore, fallbackSerial string, logger zerolog.Logger) (*Registration, error) {
	serial := fallbackSerial
	if device, err := devices.Device(ctx); err == nil {
		serial = device.Serial
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}
	if serial == "" {
		return nil, ErrNoDevice
	}

	reg, err := client.CheckRegistration(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("check registration: %w", err)
	}

	if !reg.Registered {
		logger.Warn().Str("sn_tv", serial).Msg("Device is not registered with the backend")
		return reg, nil
	}

	if err := devices.SaveDevice(ctx, reg.Device); err != nil {
		return reg, fmt.Errorf("failed to save device identity: %w", err)
	}
	logger.Info().
		Str("sn_tv", reg.Device.Serial).
		Str("npsn", reg.Device.OrganizationID).
		Str("school_name", reg.Device.SchoolName).
		Msg("Device registration confirmed")
	return reg, nil
}
