package tracker

import "time"

// Session is the foreground app currently being timed
type Session struct {
	PackageID string    `json:"package_id"`
	Label     string    `json:"label"`
	Start     time.Time `json:"start_time"`
}

// DurationSeconds returns whole seconds from Start to end, at least 1.
func (s Session) DurationSeconds(end time.Time) int64 {
	secs := int64(end.Sub(s.Start) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
