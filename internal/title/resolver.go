package title

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/storage"
)

// DefaultStaleness is how old an oracle title may be and still be used.
const DefaultStaleness = 60 * time.Second

// Source says which rule produced a resolved title.
type Source string

const (
	SourceExact    Source = "exact"
	SourceLabel    Source = "label"
	SourceFallback Source = "fallback"
	SourcePackage  Source = "package"
)

// Resolver picks the best display string for a package.
type Resolver struct {
	titles    storage.TitleStore
	staleness time.Duration
	logger    zerolog.Logger
}

// NewResolver creates a resolver reading oracle titles from titles.
func NewResolver(titles storage.TitleStore, staleness time.Duration, logger zerolog.Logger) *Resolver {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Resolver{
		titles:    titles,
		staleness: staleness,
		logger:    logger.With().Str("component", "title").Logger(),
	}
}

// Resolve returns the title for packageID at now, in order of preference:
// a fresh oracle title for the same package, the display label when it
// differs from the package id, a fresh oracle title for any package, and
// finally the package id itself.
func (r *Resolver) Resolve(ctx context.Context, packageID, label string, now time.Time) (string, Source) {
	record, err := r.titles.LatestTitle(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Str("package", packageID).Msg("Failed to read oracle title")
		record = nil
	}
	return Pick(packageID, label, record, now, r.staleness)
}

// Pick applies the resolution order to already-loaded inputs.
func Pick(packageID, label string, record *storage.TitleRecord, now time.Time, staleness time.Duration) (string, Source) {
	fresh := record != nil && record.Title != "" && Fresh(record.CapturedAt, now, staleness)

	if fresh && record.PackageID == packageID {
		return record.Title, SourceExact
	}
	if label != "" && label != packageID {
		return label, SourceLabel
	}
	// Known heuristic: under rapid switching this can attach another
	// package's title.
	if fresh {
		return record.Title, SourceFallback
	}
	return packageID, SourcePackage
}

// Fresh reports whether a title captured at capturedAt is usable at now.
// A capture time ahead of now is fresh only within the same bound.
func Fresh(capturedAt, now time.Time, staleness time.Duration) bool {
	if capturedAt.IsZero() {
		return false
	}
	age := now.Sub(capturedAt)
	return age <= staleness && age >= -staleness
}
