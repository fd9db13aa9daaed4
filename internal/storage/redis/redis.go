package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis. All fields live
// in a single hash so the Lua scripts can treat each read-modify-write as
// one unit.
type Store struct {
	client *redis.Client
	state  *stateStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, cfg.Namespace), nil
}

// NewWithClient wraps an existing client. namespace separates devices that
// share one Redis instance.
func NewWithClient(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "terastv"
	}
	return &Store{
		client: client,
		state:  &stateStore{client: client, key: prefsKey(namespace)},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Fields returns the raw field store
func (s *Store) Fields() storage.FieldStore { return s.state }

// Timer returns the TV timer store
func (s *Store) Timer() storage.TimerStore { return s.state }

// Pending returns the pending uptime store
func (s *Store) Pending() storage.PendingStore { return s.state }

// Titles returns the title store
func (s *Store) Titles() storage.TitleStore { return s.state }

// Device returns the device identity store
func (s *Store) Device() storage.DeviceStore { return s.state }

func prefsKey(namespace string) string {
	return fmt.Sprintf("%s:tv_prefs", namespace)
}
