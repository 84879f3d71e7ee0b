package config

import "github.com/kelseyhightower/envconfig"

// parseEnv overlays Config with CREDITKEEPER_* variables. Unset variables
// leave the current value alone.
func parseEnv(cfg *Config) error {
	return envconfig.Process(EnvPrefix, cfg)
}
