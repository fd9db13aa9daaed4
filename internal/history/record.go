package history

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/goodtune/terastv/internal/storage"
)

// DateLayout is the backend's local timestamp format.
const DateLayout = "2006-01-02 15:04:05"

// Kind distinguishes foreground sessions from synthetic power records.
type Kind string

const (
	KindSession  Kind = "session"
	KindPowerOff Kind = "power_off"
)

// Record is a completed session ready for reporting.
type Record struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	PackageID       string    `json:"package_id"`
	Label           string    `json:"label"`
	Title           string    `json:"title"`
	DurationSeconds int64     `json:"duration_seconds"`
	TVOnSeconds     int64     `json:"tv_on_seconds"`
	EndedAt         time.Time `json:"ended_at"`
}

// NewSessionRecord builds a record for a committed foreground session.
func NewSessionRecord(packageID, label, title string, durationSeconds, tvOnSeconds int64, endedAt time.Time) Record {
	return Record{
		ID:              NewRecordID(endedAt),
		Kind:            KindSession,
		PackageID:       packageID,
		Label:           label,
		Title:           title,
		DurationSeconds: durationSeconds,
		TVOnSeconds:     tvOnSeconds,
		EndedAt:         endedAt,
	}
}

// NewPowerOffRecord builds the synthetic record for a timer lap. Both
// durations carry the elapsed TV-on time.
func NewPowerOffRecord(sentinel string, elapsedSeconds int64, endedAt time.Time) Record {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return Record{
		ID:              NewRecordID(endedAt),
		Kind:            KindPowerOff,
		Title:           sentinel,
		DurationSeconds: elapsedSeconds,
		TVOnSeconds:     elapsedSeconds,
		EndedAt:         endedAt,
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRecordID returns a ULID ordered by t.
func NewRecordID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Payload is the JSON body of POST tv-history.
type Payload struct {
	OrganizationID string `json:"npsn"`
	Serial         string `json:"sn_tv"`
	Date           string `json:"date"`
	AppName        string `json:"app_name"`
	AppURL         string `json:"app_url"`
	Thumbnail      string `json:"thumbnail"`
	AppDuration    int64  `json:"app_duration"`
	TVDuration     int64  `json:"tv_duration"`
}

// Payload attaches the device identity to the record. Synthetic records
// leave app_url empty.
func (r Record) Payload(device storage.Device, loc *time.Location) Payload {
	if loc == nil {
		loc = time.Local
	}
	return Payload{
		OrganizationID: device.OrganizationID,
		Serial:         device.Serial,
		Date:           r.EndedAt.In(loc).Format(DateLayout),
		AppName:        r.Title,
		AppURL:         r.PackageID,
		AppDuration:    r.DurationSeconds,
		TVDuration:     r.TVOnSeconds,
	}
}
