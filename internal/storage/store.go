package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a field or marker is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Field names shared by every backend. They mirror the preference keys the
// platform agent and the display layer already read.
const (
	FieldTimerStart        = "tv_timer_start_ms"
	FieldPendingUptime     = "pending_uptime"
	FieldPendingUptimeEnd  = "pending_uptime_end_ms"
	FieldPendingUptimeSecs = "pending_uptime_secs"
	FieldLastTitle         = "last_app_title"
	FieldLastTitlePackage  = "last_app_title_pkg"
	FieldLastTitleTime     = "last_app_title_time"
	FieldSerial            = "sn_tv"
	FieldOrganizationID    = "npsn"
	FieldSchoolName        = "school_name"
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Fields() FieldStore
	Timer() TimerStore
	Pending() PendingStore
	Titles() TitleStore
	Device() DeviceStore
}

// FieldStore is the raw key-value contract over the named fields.
type FieldStore interface {
	GetInt(ctx context.Context, key string) (int64, error)
	SetInt(ctx context.Context, key string, value int64) error
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, keys ...string) error
	// CompareAndSwapInt sets key to next only if its current value is old.
	// A missing field compares equal to 0.
	CompareAndSwapInt(ctx context.Context, key string, old, next int64) (bool, error)
}

// TimerStore manages the TV power-on anchor.
type TimerStore interface {
	// Anchor returns the current anchor in unix milliseconds, 0 when unset.
	Anchor(ctx context.Context) (int64, error)

	// ResetAnchor atomically reads the previous anchor and replaces it with
	// max(nowMs, previous). Both values are returned.
	ResetAnchor(ctx context.Context, nowMs int64) (prev int64, next int64, err error)

	// StartIfUnset atomically anchors the timer at nowMs when it is unset.
	StartIfUnset(ctx context.Context, nowMs int64) (started bool, anchor int64, err error)
}

// PendingStore manages the pending uptime marker written at shutdown.
type PendingStore interface {
	SavePending(ctx context.Context, pending PendingUptime) error
	// TakePending atomically reads and clears the marker. ErrNotFound is
	// returned when no marker is pending.
	TakePending(ctx context.Context) (*PendingUptime, error)
	HasPending(ctx context.Context) (bool, error)
}

// TitleStore manages the latest title published by the title oracle.
type TitleStore interface {
	LatestTitle(ctx context.Context) (*TitleRecord, error)
	PutTitle(ctx context.Context, record TitleRecord) error
}

// DeviceStore manages the registered device identity.
type DeviceStore interface {
	Device(ctx context.Context) (*Device, error)
	SaveDevice(ctx context.Context, device Device) error
}
