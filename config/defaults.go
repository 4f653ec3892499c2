package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "evidentia.db")

	// Raw store defaults
	v.SetDefault("rawstore.root", "evidence")

	// Quality gate defaults
	v.SetDefault("quality.rules_file", "")
	v.SetDefault("quality.max_amount_cents", int64(100_000_000_000)) // $1B sanity cap
	v.SetDefault("quality.date_window_years", 30)

	// Pipeline defaults
	v.SetDefault("pipeline.batch_size", 500)

	// AI capability defaults
	v.SetDefault("ai.max_requests_per_minute", 30)
	v.SetDefault("ai.max_retries", 2)
	v.SetDefault("ai.timeout", "120s")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "EVIDENTIA_DATABASE_PATH")
	v.BindEnv("rawstore.root", "EVIDENTIA_RAWSTORE_ROOT")
}
