// Package config loads, defaults and validates the DittoKV server
// configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOKV_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the complete DittoKV server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the frontend settings
	Server ServerConfig `mapstructure:"server"`

	// Engine specifies the storage engine type and type-specific
	// configuration
	Engine EngineConfig `mapstructure:"engine"`

	// Buckets defines the buckets created at startup
	Buckets []BucketConfig `mapstructure:"buckets" validate:"dive"`

	// RBAC configures the privilege database
	RBAC RBACConfig `mapstructure:"rbac"`

	// Audit configures the audit sink
	Audit AuditConfig `mapstructure:"audit"`

	// Admin configures the diagnostics/metrics HTTP listener
	Admin AdminConfig `mapstructure:"admin"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written: stdout, stderr, or a
	// file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the connection-frontend settings.
type ServerConfig struct {
	// Listen is the address:port the dispatcher accepts on
	Listen string `mapstructure:"listen" validate:"required"`

	// NumWorkers is the size of the worker pool. 0 selects one worker
	// per CPU.
	NumWorkers int `mapstructure:"num_workers" validate:"gte=0"`

	// MaxPacketSize is the largest admissible packet body; larger
	// packets close the connection
	MaxPacketSize uint32 `mapstructure:"max_packet_size" validate:"required,gt=0"`

	// IdleTimeout closes connections that have not transacted for
	// longer than this window.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SendQueueLimitReady is the stuck-connection watchdog limit while
	// the selected bucket is ready
	SendQueueLimitReady time.Duration `mapstructure:"send_queue_limit_ready" validate:"required,gt=0"`

	// SendQueueLimitNotReady is the watchdog limit while the bucket is
	// initializing or shutting down
	SendQueueLimitNotReady time.Duration `mapstructure:"send_queue_limit_not_ready" validate:"required,gt=0"`

	// MaxReqsPerEvent is the per-priority fairness budget: how many
	// requests a connection may execute before yielding the worker
	MaxReqsPerEvent MaxReqsConfig `mapstructure:"max_reqs_per_event"`

	// AppendPrependMaxRetries bounds the CAS retry loop of the
	// append/prepend executor
	AppendPrependMaxRetries int `mapstructure:"append_prepend_max_retries" validate:"required,gt=0"`

	// TLS configures the optional TLS listener
	TLS TLSConfig `mapstructure:"tls"`
}

// MaxReqsConfig holds the per-priority event budgets.
type MaxReqsConfig struct {
	High   int `mapstructure:"high" validate:"required,gt=0"`
	Medium int `mapstructure:"medium" validate:"required,gt=0"`
	Low    int `mapstructure:"low" validate:"required,gt=0"`
}

// TLSConfig configures TLS termination.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"key_file" validate:"required_if=Enabled true"`
}

// EngineConfig specifies storage engine configuration.
//
// The Type field determines which engine implementation is used; only
// the corresponding type-specific section applies.
type EngineConfig struct {
	// Type specifies which engine implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// BucketConfig defines one bucket created at startup.
type BucketConfig struct {
	// Name is the bucket name clients select
	Name string `mapstructure:"name" validate:"required"`

	// Engine overrides the process engine type for this bucket
	Engine string `mapstructure:"engine" validate:"omitempty,oneof=memory badger"`
}

// RBACConfig configures the privilege database.
type RBACConfig struct {
	// File is the YAML user database. Empty means "everyone is
	// admin", which is only acceptable for development.
	File string `mapstructure:"file"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// AdminConfig configures the diagnostics HTTP listener.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses the default
//     location and tolerates a missing file)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTOKV_ prefix and underscores,
	// e.g. DITTOKV_LOGGING_LEVEL=DEBUG.
	v.SetEnvPrefix("DITTOKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees environment values for known keys, so every
	// scalar key is bound explicitly.
	for _, key := range []string{
		"logging.level", "logging.output",
		"server.listen", "server.num_workers", "server.max_packet_size",
		"server.idle_timeout", "server.send_queue_limit_ready",
		"server.send_queue_limit_not_ready", "server.max_reqs_per_event.high",
		"server.max_reqs_per_event.medium", "server.max_reqs_per_event.low",
		"server.append_prepend_max_retries", "server.tls.enabled",
		"server.tls.cert_file", "server.tls.key_file", "engine.type",
		"rbac.file", "audit.enabled", "audit.path", "admin.enabled", "admin.listen",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Missing default config is fine; defaults apply.
			return nil
		}
		if configPath == "" && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dittokv")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dittokv")
}
