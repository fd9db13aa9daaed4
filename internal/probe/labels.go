package probe

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/metrics"
)

// ErrUnknownLabel is returned when no display label is known for a package.
var ErrUnknownLabel = errors.New("probe: no label for package")

// LabelResolver maps a package id to its human-readable display label.
type LabelResolver interface {
	Label(packageID string) (string, error)
}

// LabelCache resolves labels from the configured table first, then from
// labels learned off ingested events. Hits are kept in an LRU.
type LabelCache struct {
	configured map[string]string
	cache      *lru.Cache[string, string]
	capacity   int
	logger     zerolog.Logger

	mu      sync.RWMutex
	learned map[string]string
}

// NewLabelCache creates a cache with room for size labels.
func NewLabelCache(configured map[string]string, size int, logger zerolog.Logger) (*LabelCache, error) {
	if size <= 0 {
		size = 512
	}

	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create label cache: %w", err)
	}

	table := make(map[string]string, len(configured))
	for pkg, label := range configured {
		if label = strings.TrimSpace(label); label != "" {
			table[pkg] = label
		}
	}

	c := &LabelCache{
		configured: table,
		cache:      cache,
		capacity:   size,
		learned:    make(map[string]string),
		logger:     logger.With().Str("component", "labels").Logger(),
	}

	c.logger.Info().
		Int("configured", len(table)).
		Int("cache_size", size).
		Msg("Label cache initialized")

	return c, nil
}

// Label returns the display label for packageID.
func (c *LabelCache) Label(packageID string) (string, error) {
	if label, ok := c.cache.Get(packageID); ok {
		metrics.LabelCacheHits.Inc()
		return label, nil
	}
	metrics.LabelCacheMisses.Inc()

	label, ok := c.configured[packageID]
	if !ok {
		c.mu.RLock()
		label, ok = c.learned[packageID]
		c.mu.RUnlock()
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownLabel, packageID)
	}

	c.cache.Add(packageID, label)
	return label, nil
}

// Learn records a label reported by the platform. Configured labels win.
func (c *LabelCache) Learn(packageID, label string) {
	label = strings.TrimSpace(label)
	if packageID == "" || label == "" {
		return
	}
	if _, ok := c.configured[packageID]; ok {
		return
	}

	c.mu.Lock()
	prev := c.learned[packageID]
	c.learned[packageID] = label
	c.mu.Unlock()

	if prev != label {
		c.cache.Remove(packageID)
		c.logger.Debug().Str("package", packageID).Str("label", label).Msg("Learned label")
	}
}

// Stats returns the number of cached labels and the cache capacity.
func (c *LabelCache) Stats() (int, int) {
	return c.cache.Len(), c.capacity
}
