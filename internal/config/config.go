// Package config loads the workspace configuration for the status tooling.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no explicit
// path is given.
const DefaultFileName = "gantry.yaml"

// Config is the workspace configuration.
type Config struct {
	// Actor identifies this agent or human in emitted events. The
	// GANTRY_ACTOR environment variable overrides the file value.
	Actor string `yaml:"actor"`
	// LogRoot is the directory holding per-feature event logs.
	LogRoot string `yaml:"log_root"`
	// ProjectionDB is the optional SQLite mirror path for dashboards.
	ProjectionDB string `yaml:"projection_db,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Actor:   "",
		LogRoot: ".gantry/status",
	}
}

// Load reads the config from path, or from DefaultFileName when path is
// empty. A missing default file yields Default(); a missing explicit path
// is an error. GANTRY_ACTOR always wins over the file's actor.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// fall through to defaults
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if actor := os.Getenv("GANTRY_ACTOR"); actor != "" {
		cfg.Actor = actor
	}
	if cfg.LogRoot == "" {
		cfg.LogRoot = Default().LogRoot
	}
	return cfg, nil
}
