package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Tracking  TrackingConfig  `mapstructure:"tracking" yaml:"tracking"`
	Probe     ProbeConfig     `mapstructure:"probe" yaml:"probe"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// DeviceConfig seeds the device identity when the store has none
type DeviceConfig struct {
	Serial         string `mapstructure:"serial" yaml:"serial"`
	OrganizationID string `mapstructure:"organization_id" yaml:"organization_id"`
	SchoolName     string `mapstructure:"school_name" yaml:"school_name"`
	SelfPackage    string `mapstructure:"self_package" yaml:"self_package"` // never tracked
}

// TrackingConfig defines foreground session tracking settings
type TrackingConfig struct {
	TickInterval       string          `mapstructure:"tick_interval" yaml:"tick_interval"`
	LookbackWindow     string          `mapstructure:"lookback_window" yaml:"lookback_window"`
	MinSessionDuration string          `mapstructure:"min_session_duration" yaml:"min_session_duration"`
	TitleStaleness     string          `mapstructure:"title_staleness" yaml:"title_staleness"`
	IgnorePackages     []string        `mapstructure:"ignore_packages" yaml:"ignore_packages"`
	LabelCacheSize     int             `mapstructure:"label_cache_size" yaml:"label_cache_size"`
	Labels             []LabelOverride `mapstructure:"labels" yaml:"labels"`
}

// LabelOverride pins the display label of a package. Package ids contain
// dots, so overrides are a list rather than a map keyed by package.
type LabelOverride struct {
	Package string `mapstructure:"package" yaml:"package"`
	Label   string `mapstructure:"label" yaml:"label"`
}

// LabelMap returns the overrides keyed by package id.
func (c TrackingConfig) LabelMap() map[string]string {
	labels := make(map[string]string, len(c.Labels))
	for _, o := range c.Labels {
		if o.Package != "" && o.Label != "" {
			labels[o.Package] = o.Label
		}
	}
	return labels
}

// ProbeConfig defines the foreground event log
type ProbeConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// LifecycleConfig defines power/lifecycle behaviour
type LifecycleConfig struct {
	PowerOffApp string `mapstructure:"power_off_app" yaml:"power_off_app"`
}

// BackendConfig defines the history backend
type BackendConfig struct {
	BaseURL                  string `mapstructure:"base_url" yaml:"base_url"`
	Timeout                  string `mapstructure:"timeout" yaml:"timeout"`
	HistoryPath              string `mapstructure:"history_path" yaml:"history_path"`
	RegistrationPath         string `mapstructure:"registration_path" yaml:"registration_path"`
	CheckRegistrationOnStart bool   `mapstructure:"check_registration_on_start" yaml:"check_registration_on_start"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path" yaml:"path"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
	Namespace    string `mapstructure:"namespace" yaml:"namespace"` // key prefix, one per device
}

// PolicyConfig defines the tracking policy source
type PolicyConfig struct {
	OPAPolicyDir string `mapstructure:"opa_policy_dir" yaml:"opa_policy_dir"` // empty uses the static ignore set
}

// MQTTConfig defines the MQTT bridge
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
}

// ServerConfig defines local listener addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	ControlPort int    `mapstructure:"control_port" yaml:"control_port"`
	MetricsPort int    `mapstructure:"metrics_port" yaml:"metrics_port"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultIgnorePackages are launcher and system UI packages that never count as viewing.
var DefaultIgnorePackages = []string{
	"com.android.systemui",
	"com.google.android.tvlauncher",
	"com.android.launcher",
	"com.google.android.leanbacklauncher",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TERASTV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration built from defaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Device defaults
	v.SetDefault("device.serial", "")
	v.SetDefault("device.organization_id", "")
	v.SetDefault("device.school_name", "")
	v.SetDefault("device.self_package", "com.laila.terastv")

	// Tracking defaults
	v.SetDefault("tracking.tick_interval", "1s")
	v.SetDefault("tracking.lookback_window", "10s")
	v.SetDefault("tracking.min_session_duration", "2s")
	v.SetDefault("tracking.title_staleness", "60s")
	v.SetDefault("tracking.ignore_packages", DefaultIgnorePackages)
	v.SetDefault("tracking.label_cache_size", 512)
	v.SetDefault("tracking.labels", []LabelOverride{})

	// Probe defaults
	v.SetDefault("probe.buffer_size", 256)

	// Lifecycle defaults
	v.SetDefault("lifecycle.power_off_app", "PowerOff")

	// Backend defaults
	v.SetDefault("backend.base_url", "http://10.0.2.2:8000/api/")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.history_path", "tv-history")
	v.SetDefault("backend.registration_path", "check-registration")
	v.SetDefault("backend.check_registration_on_start", true)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/terastv/state.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.namespace", "terastv")

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "terastv")
	v.SetDefault("mqtt.topic_prefix", "terastv")

	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.control_port", 8787)
	v.SetDefault("server.metrics_port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	durations := map[string]string{
		"tracking.tick_interval":        cfg.Tracking.TickInterval,
		"tracking.lookback_window":      cfg.Tracking.LookbackWindow,
		"tracking.min_session_duration": cfg.Tracking.MinSessionDuration,
		"tracking.title_staleness":      cfg.Tracking.TitleStaleness,
		"backend.timeout":               cfg.Backend.Timeout,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if tick := ParseDuration(cfg.Tracking.TickInterval, 0); tick <= 0 {
		return fmt.Errorf("tracking.tick_interval must be positive")
	}

	if cfg.Probe.BufferSize <= 0 {
		return fmt.Errorf("invalid probe buffer size: %d", cfg.Probe.BufferSize)
	}

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}

	if cfg.Lifecycle.PowerOffApp == "" {
		cfg.Lifecycle.PowerOffApp = "PowerOff"
	}

	if cfg.Server.ControlPort < 0 || cfg.Server.ControlPort > 65535 {
		return fmt.Errorf("invalid control port: %d", cfg.Server.ControlPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
		fallthrough
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
