package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goodtune/terastv/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketPrefs = "tv_prefs"

// Store implements the storage.Store interface using bbolt. Every field is
// one key in the tv_prefs bucket; read-modify-write units run inside a
// single Update transaction.
type Store struct {
	db    *bbolt.DB
	state *stateStore
}

type stateStore struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, state: &stateStore{db: db}}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketPrefs)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketPrefs, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fields returns the raw field store.
func (s *Store) Fields() storage.FieldStore { return s.state }

// Timer returns the TV timer store.
func (s *Store) Timer() storage.TimerStore { return s.state }

// Pending returns the pending uptime store.
func (s *Store) Pending() storage.PendingStore { return s.state }

// Titles returns the title store.
func (s *Store) Titles() storage.TitleStore { return s.state }

// Device returns the device identity store.
func (s *Store) Device() storage.DeviceStore { return s.state }

func (s *stateStore) view(ctx context.Context, fn func(b *bbolt.Bucket) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketPrefs))
		if b == nil {
			return fmt.Errorf("%s bucket missing", bucketPrefs)
		}
		return fn(b)
	})
}

func (s *stateStore) update(ctx context.Context, fn func(b *bbolt.Bucket) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketPrefs))
		if b == nil {
			return fmt.Errorf("%s bucket missing", bucketPrefs)
		}
		return fn(b)
	})
}

func readFields(b *bbolt.Bucket, fields ...string) map[string]string {
	data := make(map[string]string, len(fields))
	for _, field := range fields {
		if v := b.Get([]byte(field)); v != nil {
			data[field] = string(v)
		}
	}
	return data
}

func putFields(b *bbolt.Bucket, kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := b.Put([]byte(kv[i]), []byte(kv[i+1])); err != nil {
			return fmt.Errorf("put %s: %w", kv[i], err)
		}
	}
	return nil
}

func readInt(b *bbolt.Bucket, field string) (int64, error) {
	v := b.Get([]byte(field))
	if v == nil {
		return 0, storage.ErrNotFound
	}
	return storage.ParseInt(field, string(v))
}

// readAnchor treats missing or unparsable anchors as unset.
func readAnchor(b *bbolt.Bucket) int64 {
	anchor, err := readInt(b, storage.FieldTimerStart)
	if err != nil || anchor < 0 {
		return 0
	}
	return anchor
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
