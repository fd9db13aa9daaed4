package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goodtune/terastv/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	resetAnchor  = redis.NewScript(resetAnchorScript)
	startIfUnset = redis.NewScript(startIfUnsetScript)
	takePending  = redis.NewScript(takePendingScript)
	casInt       = redis.NewScript(compareAndSwapScript)
)

var pendingFields = []string{
	storage.FieldPendingUptime,
	storage.FieldPendingUptimeEnd,
	storage.FieldPendingUptimeSecs,
}

var titleFields = []string{
	storage.FieldLastTitle,
	storage.FieldLastTitlePackage,
	storage.FieldLastTitleTime,
}

var deviceFields = []string{
	storage.FieldSerial,
	storage.FieldOrganizationID,
	storage.FieldSchoolName,
}

type stateStore struct {
	client *redis.Client
	key    string
}

// GetInt reads an integer field
func (s *stateStore) GetInt(ctx context.Context, field string) (int64, error) {
	raw, err := s.GetString(ctx, field)
	if err != nil {
		return 0, err
	}
	return storage.ParseInt(field, raw)
}

// SetInt writes an integer field
func (s *stateStore) SetInt(ctx context.Context, field string, value int64) error {
	return s.client.HSet(ctx, s.key, field, formatInt(value)).Err()
}

// GetString reads a string field
func (s *stateStore) GetString(ctx context.Context, field string) (string, error) {
	raw, err := s.client.HGet(ctx, s.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

// SetString writes a string field
func (s *stateStore) SetString(ctx context.Context, field string, value string) error {
	return s.client.HSet(ctx, s.key, field, value).Err()
}

// Remove deletes fields
func (s *stateStore) Remove(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.key, fields...).Err()
}

// CompareAndSwapInt sets field to next when it currently holds old
func (s *stateStore) CompareAndSwapInt(ctx context.Context, field string, old, next int64) (bool, error) {
	swapped, err := casInt.Run(ctx, s.client, []string{s.key}, field, old, next).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and swap %s: %w", field, err)
	}
	return swapped == 1, nil
}

// Anchor returns the TV timer anchor, 0 when unset or invalid
func (s *stateStore) Anchor(ctx context.Context) (int64, error) {
	anchor, err := s.GetInt(ctx, storage.FieldTimerStart)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if anchor < 0 {
		return 0, nil
	}
	return anchor, nil
}

// ResetAnchor atomically moves the anchor to max(nowMs, previous)
func (s *stateStore) ResetAnchor(ctx context.Context, nowMs int64) (int64, int64, error) {
	values, err := resetAnchor.Run(ctx, s.client, []string{s.key}, storage.FieldTimerStart, nowMs).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("reset anchor: %w", err)
	}
	return scriptPair(values)
}

// StartIfUnset anchors the timer at nowMs when it is unset
func (s *stateStore) StartIfUnset(ctx context.Context, nowMs int64) (bool, int64, error) {
	values, err := startIfUnset.Run(ctx, s.client, []string{s.key}, storage.FieldTimerStart, nowMs).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("start timer: %w", err)
	}
	started, anchor, err := scriptPair(values)
	if err != nil {
		return false, 0, err
	}
	return started == 1, anchor, nil
}

// SavePending writes the pending uptime marker
func (s *stateStore) SavePending(ctx context.Context, pending storage.PendingUptime) error {
	return s.client.HSet(ctx, s.key,
		storage.FieldPendingUptime, strconv.FormatBool(true),
		storage.FieldPendingUptimeEnd, formatInt(pending.EndMs),
		storage.FieldPendingUptimeSecs, formatInt(pending.ElapsedSeconds),
	).Err()
}

// TakePending reads and clears the pending uptime marker
func (s *stateStore) TakePending(ctx context.Context) (*storage.PendingUptime, error) {
	args := make([]interface{}, len(pendingFields))
	for i, f := range pendingFields {
		args[i] = f
	}

	values, err := takePending.Run(ctx, s.client, []string{s.key}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("take pending uptime: %w", err)
	}

	return storage.ParsePending(replyStrings(pendingFields, values))
}

// HasPending reports whether a marker is waiting to be flushed
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

// LatestTitle returns the last title written by the title oracle
func (s *stateStore) LatestTitle(ctx context.Context) (*storage.TitleRecord, error) {
	values, err := s.client.HMGet(ctx, s.key, titleFields...).Result()
	if err != nil {
		return nil, err
	}
	return storage.ParseTitle(replyStrings(titleFields, values))
}

// PutTitle stores the latest title tuple
func (s *stateStore) PutTitle(ctx context.Context, record storage.TitleRecord) error {
	return s.client.HSet(ctx, s.key,
		storage.FieldLastTitle, record.Title,
		storage.FieldLastTitlePackage, record.PackageID,
		storage.FieldLastTitleTime, formatInt(record.CapturedAt.UnixMilli()),
	).Err()
}

// Device returns the registered device identity
func (s *stateStore) Device(ctx context.Context) (*storage.Device, error) {
	values, err := s.client.HMGet(ctx, s.key, deviceFields...).Result()
	if err != nil {
		return nil, err
	}
	return storage.ParseDevice(replyStrings(deviceFields, values))
}

// SaveDevice stores the device identity
func (s *stateStore) SaveDevice(ctx context.Context, device storage.Device) error {
	return s.client.HSet(ctx, s.key,
		storage.FieldSerial, device.Serial,
		storage.FieldOrganizationID, device.OrganizationID,
		storage.FieldSchoolName, device.SchoolName,
	).Err()
}
