// Package config provides evidentia configuration loading and persistence.
//
// Configuration sources, lowest to highest precedence:
//
//	/etc/evidentia/config.toml
//	~/.evidentia/config.toml
//	evidentia.toml found by walking up from the working directory
//	EVIDENTIA_* environment variables
package config

import "time"

// Config is the root configuration for the engine.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	RawStore RawStoreConfig `mapstructure:"rawstore"`
	Quality  QualityConfig  `mapstructure:"quality"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	AI       AIConfig       `mapstructure:"ai"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RawStoreConfig holds content-addressed blob storage settings.
type RawStoreConfig struct {
	// Root directory of the blob tree. Raw object bytes live at
	// <root>/<digest[0:2]>/<digest[2:4]>/<digest>.
	Root string `mapstructure:"root"`
}

// QualityConfig holds quality gate rule settings.
type QualityConfig struct {
	// RulesFile optionally overrides rule thresholds from a YAML file.
	RulesFile string `mapstructure:"rules_file"`
	// MaxAmountCents caps plausible monetary amounts; rows above it quarantine.
	MaxAmountCents int64 `mapstructure:"max_amount_cents"`
	// DateWindowYears bounds how far dates may sit in past or future.
	DateWindowYears int `mapstructure:"date_window_years"`
}

// PipelineConfig holds transform run settings.
type PipelineConfig struct {
	// BatchSize caps how many raw objects one transform run picks up.
	BatchSize int `mapstructure:"batch_size"`
}

// AIConfig holds settings for the external extraction/embedding capability.
type AIConfig struct {
	// MaxRequestsPerMinute rate-limits capability calls.
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`
	// MaxRetries bounds retry attempts for a fallible capability call.
	MaxRetries int `mapstructure:"max_retries"`
	// Timeout bounds a single capability call.
	Timeout time.Duration `mapstructure:"timeout"`
}
