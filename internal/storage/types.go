package storage

import (
	"fmt"
	"strconv"
	"time"
)

// PendingUptime is the "one report owed" marker captured at shutdown.
type PendingUptime struct {
	EndMs          int64 `json:"end_ms"`
	ElapsedSeconds int64 `json:"elapsed_seconds"`
}

// EndTime returns the shutdown time of the marker.
func (p PendingUptime) EndTime() time.Time {
	return time.UnixMilli(p.EndMs)
}

// TitleRecord is the latest tuple written by the title oracle.
type TitleRecord struct {
	PackageID  string    `json:"package_id"`
	Title      string    `json:"title"`
	CapturedAt time.Time `json:"captured_at"`
}

// Device holds the identity fields written by onboarding.
type Device struct {
	Serial         string `json:"sn_tv"`
	OrganizationID string `json:"npsn"`
	SchoolName     string `json:"school_name"`
}

// Registered reports whether the device has a serial.
func (d *Device) Registered() bool {
	return d != nil && d.Serial != ""
}

// ParseInt parses a stored integer field.
func ParseInt(key, raw string) (int64, error) {
	if raw == "" {
		return 0, ErrNotFound
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}

// ParseBool parses a stored boolean field. Missing fields are false.
func ParseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

// ParsePending converts raw field values to a PendingUptime.
func ParsePending(data map[string]string) (*PendingUptime, error) {
	if !ParseBool(data[FieldPendingUptime]) {
		return nil, ErrNotFound
	}

	pending := &PendingUptime{}
	if end, err := ParseInt(FieldPendingUptimeEnd, data[FieldPendingUptimeEnd]); err == nil {
		pending.EndMs = end
	} else if err != ErrNotFound {
		return nil, err
	}

	if secs, err := ParseInt(FieldPendingUptimeSecs, data[FieldPendingUptimeSecs]); err == nil {
		pending.ElapsedSeconds = secs
	} else if err != ErrNotFound {
		return nil, err
	}

	if pending.ElapsedSeconds < 0 {
		pending.ElapsedSeconds = 0
	}

	return pending, nil
}

// ParseTitle converts raw field values to a TitleRecord.
func ParseTitle(data map[string]string) (*TitleRecord, error) {
	title := data[FieldLastTitle]
	if title == "" {
		return nil, ErrNotFound
	}

	capturedMs, err := ParseInt(FieldLastTitleTime, data[FieldLastTitleTime])
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	record := &TitleRecord{
		PackageID: data[FieldLastTitlePackage],
		Title:     title,
	}
	if capturedMs > 0 {
		record.CapturedAt = time.UnixMilli(capturedMs)
	}

	return record, nil
}

// ParseDevice converts raw field values to a Device.
func ParseDevice(data map[string]string) (*Device, error) {
	device := &Device{
		Serial:         data[FieldSerial],
		OrganizationID: data[FieldOrganizationID],
		SchoolName:     data[FieldSchoolName],
	}
	if !device.Registered() {
		return nil, ErrNotFound
	}
	return device, nil
}
