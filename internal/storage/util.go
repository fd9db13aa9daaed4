package storage

import "os"

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// ElapsedSeconds returns whole seconds between anchorMs and nowMs, clamped at 0.
// An unset anchor yields 0.
func ElapsedSeconds(anchorMs, nowMs int64) int64 {
	if anchorMs <= 0 || nowMs <= anchorMs {
		return 0
	}
	return (nowMs - anchorMs) / 1000
}
