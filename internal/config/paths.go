// Package config provides centralized configuration for nfa-ids.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PathConfig holds configurable paths for nfa-ids.
// All paths can be overridden via environment variables.
type PathConfig struct {
	// AlertLogPath is the append-only JSON-lines alert log
	AlertLogPath string

	// ErrorLogPath receives sink durability failures
	ErrorLogPath string

	// ModelsDir holds versioned model artifacts
	ModelsDir string

	// LogDir is the directory for log files
	LogDir string
}

// DefaultPathConfig returns the default path configuration.
// Paths are determined by:
// 1. Environment variables (highest priority)
// 2. XDG Base Directory Specification
// 3. Platform-specific defaults
func DefaultPathConfig() *PathConfig {
	dataDir := filepath.Join(getUserDataDir(), "nfa-ids")
	logDir := getEnvOrDefault("IDS_LOG_DIR", filepath.Join(getUserCacheDir(), "nfa-ids", "logs"))

	return &PathConfig{
		AlertLogPath: getEnvOrDefault("IDS_ALERT_LOG", filepath.Join(dataDir, "alerts.log")),
		ErrorLogPath: getEnvOrDefault("IDS_ERROR_LOG", filepath.Join(logDir, "errors.log")),
		ModelsDir:    getEnvOrDefault("IDS_MODELS_DIR", filepath.Join(dataDir, "models")),
		LogDir:       logDir,
	}
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getUserDataDir returns the user data directory following XDG spec.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return xdgData
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support")
	default: // linux, etc.
		return filepath.Join(home, ".local", "share")
	}
}

// getUserCacheDir returns the user cache directory following XDG spec.
func getUserCacheDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return xdgCache
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Caches")
	default:
		return filepath.Join(home, ".cache")
	}
}

// EnsureDirectories creates all configured directories if they don't exist.
func (c *PathConfig) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.AlertLogPath),
		filepath.Dir(c.ErrorLogPath),
		c.ModelsDir,
		c.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}
