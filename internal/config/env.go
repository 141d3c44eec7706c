// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"racecaster/internal/logging"
)

// Load layers an optional .env / .env.local file under the real process
// environment. Missing files are not an error.
func Load(logger logging.Logger) {
	files := []string{".env", ".env.local"}
	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", f)
			}
			continue
		}
		loaded = append(loaded, f)
	}
	if logger != nil {
		if len(loaded) == 0 {
			logger.Debug("no local env files found; using process environment")
		} else {
			logger.Debugf("loaded env files: %s", strings.Join(loaded, ", "))
		}
	}
}

// GetString returns the environment variable or a default.
func GetString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt returns the environment variable parsed as an int, or a default.
func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// GetBool returns the environment variable parsed as a bool, or a default.
func GetBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

// Require fetches a variable and terminates the process if unset, since this
// is only ever called during startup wiring.
func Require(logger logging.Logger, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if logger != nil {
			logger.Fatalf("environment variable %s is required but not set", key)
		}
		os.Exit(1)
	}
	return v
}
