// Package config loads the optional client configuration for uidriver.
//
// Configuration lives at <root>/config.yaml under the application-data
// root (~/.uidriver by default, overridable with UIDRIVER_HOME). A missing
// file is not an error: every field has a default, and most embedders never
// create the file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvHome overrides the application-data root when set.
const EnvHome = "UIDRIVER_HOME"

// DefaultStartupTimeoutMS is the shared budget for the port handshake and
// readiness probe phases, in milliseconds.
const DefaultStartupTimeoutMS = 30000

// Config holds the tunable client settings.
type Config struct {
	// InstallDir is where the server bundle is extracted.
	InstallDir string `yaml:"install_dir"`

	// StartupTimeoutMS bounds the handshake-plus-probe wait.
	StartupTimeoutMS int `yaml:"startup_timeout_ms"`

	// Credential is passed to the spawned server; empty means the
	// sentinel placeholder is used.
	Credential string `yaml:"credential"`

	// Preserve lists glob patterns for files that re-extraction must not
	// overwrite (user-modified server configuration, typically).
	Preserve []string `yaml:"preserve"`

	// LogLevel is the minimum level written to the session log.
	LogLevel string `yaml:"log_level"`
}

// Root returns the application-data root directory.
func Root() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".uidriver"), nil
}

// DefaultInstallDir returns <root>/server.
func DefaultInstallDir() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "server"), nil
}

// Default returns the configuration used when no file exists.
func Default() (Config, error) {
	dir, err := DefaultInstallDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		InstallDir:       dir,
		StartupTimeoutMS: DefaultStartupTimeoutMS,
		LogLevel:         "info",
	}, nil
}

// Load reads the configuration from path, or from <root>/config.yaml when
// path is empty. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	if path == "" {
		root, err := Root()
		if err != nil {
			return Config{}, err
		}
		path = filepath.Join(root, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Re-apply defaults the file may have blanked.
	if cfg.InstallDir == "" {
		cfg.InstallDir, err = DefaultInstallDir()
		if err != nil {
			return Config{}, err
		}
	}
	if cfg.StartupTimeoutMS <= 0 {
		cfg.StartupTimeoutMS = DefaultStartupTimeoutMS
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// StartupTimeout returns the startup budget as a duration.
func (c Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMS) * time.Millisecond
}
