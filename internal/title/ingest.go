package title

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/terastv/internal/storage"
)

// ErrRejected is returned for titles that carry no information.
var ErrRejected = errors.New("title: rejected")

// Ingest validates an oracle tuple and stores it as the latest title.
// A zero CapturedAt is stamped with now.
func Ingest(ctx context.Context, titles storage.TitleStore, record storage.TitleRecord, now time.Time) (storage.TitleRecord, error) {
	record.PackageID = strings.TrimSpace(record.PackageID)
	record.Title = strings.TrimSpace(record.Title)

	if record.Title == "" {
		return record, fmt.Errorf("%w: blank title", ErrRejected)
	}
	if record.Title == record.PackageID {
		return record, fmt.Errorf("%w: title equals package id", ErrRejected)
	}
	if record.CapturedAt.IsZero() {
		record.CapturedAt = now
	}

	if err := titles.PutTitle(ctx, record); err != nil {
		return record, fmt.Errorf("failed to store title: %w", err)
	}
	return record, nil
}
