package bolt

import (
	"context"
	"errors"
	"strconv"

	"github.com/goodtune/terastv/internal/storage"
	"go.etcd.io/bbolt"
)

// GetInt reads an integer field.
func (s *stateStore) GetInt(ctx context.Context, field string) (int64, error) {
	var value int64
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		v, err := readInt(b, field)
		value = v
		return err
	})
	return value, err
}

// SetInt writes an integer field.
func (s *stateStore) SetInt(ctx context.Context, field string, value int64) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return putFields(b, field, formatInt(value))
	})
}

// GetString reads a string field.
func (s *stateStore) GetString(ctx context.Context, field string) (string, error) {
	var value string
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		v := b.Get([]byte(field))
		if v == nil {
			return storage.ErrNotFound
		}
		value = string(v)
		return nil
	})
	return value, err
}

// SetString writes a string field.
func (s *stateStore) SetString(ctx context.Context, field string, value string) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return putFields(b, field, value)
	})
}

// Remove deletes fields.
func (s *stateStore) Remove(ctx context.Context, fields ...string) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		for _, field := range fields {
			if err := b.Delete([]byte(field)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompareAndSwapInt sets field to next when it currently holds old.
func (s *stateStore) CompareAndSwapInt(ctx context.Context, field string, old, next int64) (bool, error) {
	swapped := false
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		current, err := readInt(b, field)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if current != old {
			return nil
		}
		swapped = true
		return putFields(b, field, formatInt(next))
	})
	return swapped, err
}

// Anchor returns the TV timer anchor, 0 when unset.
func (s *stateStore) Anchor(ctx context.Context) (int64, error) {
	var anchor int64
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		anchor = readAnchor(b)
		return nil
	})
	return anchor, err
}

// ResetAnchor moves the anchor to max(nowMs, previous) in one transaction.
func (s *stateStore) ResetAnchor(ctx context.Context, nowMs int64) (int64, int64, error) {
	var prev, next int64
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		prev = readAnchor(b)
		next = nowMs
		if prev > nowMs {
			next = prev
			return nil
		}
		return putFields(b, storage.FieldTimerStart, formatInt(next))
	})
	if err != nil {
		return 0, 0, err
	}
	return prev, next, nil
}

// StartIfUnset anchors the timer at nowMs when it is unset.
func (s *stateStore) StartIfUnset(ctx context.Context, nowMs int64) (bool, int64, error) {
	var started bool
	var anchor int64
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		anchor = readAnchor(b)
		if anchor > 0 {
			return nil
		}
		started = true
		anchor = nowMs
		return putFields(b, storage.FieldTimerStart, formatInt(nowMs))
	})
	if err != nil {
		return false, 0, err
	}
	return started, anchor, nil
}

// SavePending writes the pending uptime marker.
func (s *stateStore) SavePending(ctx context.Context, pending storage.PendingUptime) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return putFields(b,
			storage.FieldPendingUptime, strconv.FormatBool(true),
			storage.FieldPendingUptimeEnd, formatInt(pending.EndMs),
			storage.FieldPendingUptimeSecs, formatInt(pending.ElapsedSeconds),
		)
	})
}

// TakePending reads and clears the pending uptime marker.
func (s *stateStore) TakePending(ctx context.Context) (*storage.PendingUptime, error) {
	var data map[string]string
	err := s.update(ctx, func(b *bbolt.Bucket) error {
		data = readFields(b,
			storage.FieldPendingUptime,
			storage.FieldPendingUptimeEnd,
			storage.FieldPendingUptimeSecs,
		)
		for field := range data {
			if err := b.Delete([]byte(field)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.ParsePending(data)
}

// HasPending reports whether a marker is waiting to be flushed.
func (s *stateStore) HasPending(ctx context.Context) (bool, error) {
	raw, err := s.GetString(ctx, storage.FieldPendingUptime)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return storage.ParseBool(raw), nil
}

// LatestTitle returns the last title written by the title oracle.
func (s *stateStore) LatestTitle(ctx context.Context) (*storage.TitleRecord, error) {
	var data map[string]string
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		data = readFields(b,
			storage.FieldLastTitle,
			storage.FieldLastTitlePackage,
			storage.FieldLastTitleTime,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.ParseTitle(data)
}

// PutTitle stores the latest title tuple.
func (s *stateStore) PutTitle(ctx context.Context, record storage.TitleRecord) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return putFields(b,
			storage.FieldLastTitle, record.Title,
			storage.FieldLastTitlePackage, record.PackageID,
			storage.FieldLastTitleTime, formatInt(record.CapturedAt.UnixMilli()),
		)
	})
}

// Device returns the registered device identity.
func (s *stateStore) Device(ctx context.Context) (*storage.Device, error) {
	var data map[string]string
	err := s.view(ctx, func(b *bbolt.Bucket) error {
		data = readFields(b,
			storage.FieldSerial,
			storage.FieldOrganizationID,
			storage.FieldSchoolName,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.ParseDevice(data)
}

// SaveDevice stores the device identity.
func (s *stateStore) SaveDevice(ctx context.Context, device storage.Device) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		return putFields(b,
			storage.FieldSerial, device.Serial,
			storage.FieldOrganizationID, device.OrganizationID,
			storage.FieldSchoolName, device.SchoolName,
		)
	})
}
