package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/goodtune/terastv/internal/config"
)

var (
	validateDump bool
	validateYAML bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the TerasTV configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().BoolVar(&validateYAML, "yaml", false, "Print the effective configuration as YAML")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateYAML {
		out, err := marshalConfig(cfg)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = os.Stdout.Write(out)
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Default(), unknownKeys)
	}

	return nil
}

// marshalConfig renders cfg as YAML with secrets redacted.
func marshalConfig(cfg *config.Config) ([]byte, error) {
	redacted := *cfg
	redacted.Storage.Redis.Password = redactPassword(cfg.Storage.Redis.Password)

	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return out, nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if validKeys[key] {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns the set of keys known to the defaults
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Device
	_, _ = cyan.Println("\n[device]")
	dumpField("  serial", cfg.Device.Serial, defaultCfg.Device.Serial, yellow, green)
	dumpField("  organization_id", cfg.Device.OrganizationID, defaultCfg.Device.OrganizationID, yellow, green)
	dumpField("  school_name", cfg.Device.SchoolName, defaultCfg.Device.SchoolName, yellow, green)
	dumpField("  self_package", cfg.Device.SelfPackage, defaultCfg.Device.SelfPackage, yellow, green)

	// Tracking
	_, _ = cyan.Println("\n[tracking]")
	dumpField("  tick_interval", cfg.Tracking.TickInterval, defaultCfg.Tracking.TickInterval, yellow, green)
	dumpField("  lookback_window", cfg.Tracking.LookbackWindow, defaultCfg.Tracking.LookbackWindow, yellow, green)
	dumpField("  min_session_duration", cfg.Tracking.MinSessionDuration, defaultCfg.Tracking.MinSessionDuration, yellow, green)
	dumpField("  title_staleness", cfg.Tracking.TitleStaleness, defaultCfg.Tracking.TitleStaleness, yellow, green)
	dumpField("  ignore_packages", cfg.Tracking.IgnorePackages, defaultCfg.Tracking.IgnorePackages, yellow, green)
	dumpField("  label_cache_size", cfg.Tracking.LabelCacheSize, defaultCfg.Tracking.LabelCacheSize, yellow, green)
	dumpField("  labels", cfg.Tracking.Labels, defaultCfg.Tracking.Labels, yellow, green)

	// Probe
	_, _ = cyan.Println("\n[probe]")
	dumpField("  buffer_size", cfg.Probe.BufferSize, defaultCfg.Probe.BufferSize, yellow, green)

	// Lifecycle
	_, _ = cyan.Println("\n[lifecycle]")
	dumpField("  power_off_app", cfg.Lifecycle.PowerOffApp, defaultCfg.Lifecycle.PowerOffApp, yellow, green)

	// Backend
	_, _ = cyan.Println("\n[backend]")
	dumpField("  base_url", cfg.Backend.BaseURL, defaultCfg.Backend.BaseURL, yellow, green)
	dumpField("  timeout", cfg.Backend.Timeout, defaultCfg.Backend.Timeout, yellow, green)
	dumpField("  history_path", cfg.Backend.HistoryPath, defaultCfg.Backend.HistoryPath, yellow, green)
	dumpField("  registration_path", cfg.Backend.RegistrationPath, defaultCfg.Backend.RegistrationPath, yellow, green)
	dumpField("  check_registration_on_start", cfg.Backend.CheckRegistrationOnStart, defaultCfg.Backend.CheckRegistrationOnStart, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    namespace", cfg.Storage.Redis.Namespace, defaultCfg.Storage.Redis.Namespace, yellow, green)

	// Policy
	_, _ = cyan.Println("\n[policy]")
	dumpField("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir, yellow, green)

	// MQTT
	_, _ = cyan.Println("\n[mqtt]")
	dumpField("  enabled", cfg.MQTT.Enabled, defaultCfg.MQTT.Enabled, yellow, green)
	dumpField("  broker", cfg.MQTT.Broker, defaultCfg.MQTT.Broker, yellow, green)
	dumpField("  client_id", cfg.MQTT.ClientID, defaultCfg.MQTT.ClientID, yellow, green)
	dumpField("  topic_prefix", cfg.MQTT.TopicPrefix, defaultCfg.MQTT.TopicPrefix, yellow, green)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  control_port", cfg.Server.ControlPort, defaultCfg.Server.ControlPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
