package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills in zero values with sensible defaults. Called
// after unmarshalling and before validation so a partial config file
// still validates.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyEngineDefaults(&cfg.Engine)
	applyBucketDefaults(cfg)
	applyAdminDefaults(&cfg.Admin)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":11210"
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 30 * 1024 * 1024
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.SendQueueLimitReady == 0 {
		cfg.SendQueueLimitReady = 29 * time.Second
	}
	if cfg.SendQueueLimitNotReady == 0 {
		cfg.SendQueueLimitNotReady = 1 * time.Second
	}
	if cfg.MaxReqsPerEvent.High == 0 {
		cfg.MaxReqsPerEvent.High = 50
	}
	if cfg.MaxReqsPerEvent.Medium == 0 {
		cfg.MaxReqsPerEvent.Medium = 20
	}
	if cfg.MaxReqsPerEvent.Low == 0 {
		cfg.MaxReqsPerEvent.Low = 5
	}
	if cfg.AppendPrependMaxRetries == 0 {
		cfg.AppendPrependMaxRetries = 10
	}
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

func applyBucketDefaults(cfg *Config) {
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = []BucketConfig{{Name: "default"}}
	}
}

func applyAdminDefaults(cfg *AdminConfig) {
	if cfg.Enabled && cfg.Listen == "" {
		cfg.Listen = ":11280"
	}
}

// GetDefaultConfig returns a fully defaulted configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
