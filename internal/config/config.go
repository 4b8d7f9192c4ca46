package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-level configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// DSN selects the backing store (sqlite path or postgres DSN).
	DSN string `yaml:"dsn"`
	// RedisAddr enables the estimate pattern cache when non-empty.
	RedisAddr string `yaml:"redis_addr"`
	// RedisPassword authenticates the redis connection.
	RedisPassword string `yaml:"redis_password"`
	// JWTSecret signs operator tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiry bounds operator token lifetime.
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
	// LogLevel sets the logrus level.
	LogLevel string `yaml:"log_level"`
	// LogFile enables rotated file logging when non-empty.
	LogFile string `yaml:"log_file"`
	// SweepInterval controls the payment-session purge cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Addr:          ":8080",
		DSN:           "lucentra.db",
		JWTExpiry:     24 * time.Hour,
		LogLevel:      "info",
		SweepInterval: time.Minute,
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			if !os.IsNotExist(errRead) {
				return cfg, fmt.Errorf("config: read %s: %w", path, errRead)
			}
		} else if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return cfg, nil
}

// applyEnvOverrides overlays LUCENTRA_* environment variables.
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"LUCENTRA_ADDR":           &cfg.Addr,
		"LUCENTRA_DSN":            &cfg.DSN,
		"LUCENTRA_REDIS_ADDR":     &cfg.RedisAddr,
		"LUCENTRA_REDIS_PASSWORD": &cfg.RedisPassword,
		"LUCENTRA_JWT_SECRET":     &cfg.JWTSecret,
		"LUCENTRA_LOG_LEVEL":      &cfg.LogLevel,
		"LUCENTRA_LOG_FILE":       &cfg.LogFile,
	}
	for key, target := range overrides {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				*target = trimmed
			}
		}
	}
}
