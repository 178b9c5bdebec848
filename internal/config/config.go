// Package config loads runtime settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openmon/alertflow/internal/database"
	"github.com/openmon/alertflow/internal/telemetry"
)

// Config holds the dispatcher settings.
type Config struct {
	// AlerterForks is the number of delivery workers started at boot.
	AlerterForks int
	// SenderFrequency is the database poll interval in seconds.
	SenderFrequency int
	// AlertScriptsPath is the directory prefix for script media types.
	AlertScriptsPath string

	Database database.Config
	Log      telemetry.LogConfig
}

// Load reads configuration from the environment.
// Defaults: ALERTER_FORKS=3, SENDER_FREQUENCY=30,
// ALERT_SCRIPTS_PATH=/usr/lib/alertflow/scripts.
func Load() Config {
	return Config{
		AlerterForks:     envInt("ALERTER_FORKS", 3),
		SenderFrequency:  envInt("SENDER_FREQUENCY", 30),
		AlertScriptsPath: envOr("ALERT_SCRIPTS_PATH", "/usr/lib/alertflow/scripts"),
		Database: database.Config{
			Host:       envOr("DB_HOST", "localhost"),
			Port:       envOr("DB_PORT", "5432"),
			User:       envOr("DB_USER", "alertflow"),
			Password:   os.Getenv("DB_PASSWORD"),
			DBName:     envOr("DB_NAME", "alertflow"),
			SSLMode:    envOr("DB_SSLMODE", "disable"),
			Instrument: envBool("DB_INSTRUMENT", false),
		},
		Log: telemetry.LogConfig{
			Level:      telemetry.LogLevel(envOr("LOG_LEVEL", "info")),
			Format:     envOr("LOG_FORMAT", "json"),
			Output:     envOr("LOG_OUTPUT", "stdout"),
			Rotation:   envBool("LOG_ROTATION", false),
			MaxSize:    envInt("LOG_MAX_SIZE", 100),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     envInt("LOG_MAX_AGE", 28),
			Compress:   true,
		},
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.AlerterForks < 1 {
		return fmt.Errorf("ALERTER_FORKS must be at least 1")
	}
	if c.SenderFrequency < 1 {
		return fmt.Errorf("SENDER_FREQUENCY must be at least 1")
	}
	if c.AlertScriptsPath == "" {
		return fmt.Errorf("ALERT_SCRIPTS_PATH is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
