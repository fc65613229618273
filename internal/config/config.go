// Package config provides configuration loading and management for skillrun.
package config

import "fmt"

// Config is the root configuration.
type Config struct {
	ContractsDir string          `json:"contracts_dir,omitempty" mapstructure:"contracts_dir"`
	ArtifactsDir string          `json:"artifacts_dir,omitempty" mapstructure:"artifacts_dir"`
	StateStore   StateStore      `json:"state_store"             mapstructure:"state_store"`
	Router       RouterConfig    `json:"router"                  mapstructure:"router"`
	Redaction    RedactionConfig `json:"redaction"               mapstructure:"redaction"`
	Pipeline     PipelineConfig  `json:"pipeline"                mapstructure:"pipeline"`
	// LearningProducers names the skills whose successful output feeds the
	// golden-artifact emitter.
	LearningProducers []string `json:"learning_producers,omitempty" mapstructure:"learning_producers"`
}

// StateStore selects and parameterizes the persistence backend.
type StateStore struct {
	// Backend is "embedded" (sqlite) or "server" (postgres).
	Backend string `json:"backend" mapstructure:"backend"`
	// Path is the sqlite file for the embedded backend.
	Path string `json:"path,omitempty" mapstructure:"path"`
	// DatabaseURL is the postgres DSN for the server backend, usually
	// supplied via the DATABASE_URL environment variable.
	DatabaseURL string `json:"database_url,omitempty" mapstructure:"database_url"`
}

// RouterConfig gates delegation between agents.
type RouterConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// RedactionConfig extends the built-in secret patterns.
type RedactionConfig struct {
	ExtraPatterns []string `json:"extra_patterns,omitempty" mapstructure:"extra_patterns"`
}

// PipelineConfig bounds job execution.
type PipelineConfig struct {
	Concurrency int `json:"concurrency,omitempty" mapstructure:"concurrency"`
}

// Backend names.
const (
	BackendEmbedded = "embedded"
	BackendServer   = "server"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ContractsDir: "contracts",
		ArtifactsDir: ".skillrun/artifacts",
		StateStore: StateStore{
			Backend: BackendEmbedded,
			Path:    ".skillrun/state.db",
		},
	}
}

// Normalize fills zero values with defaults and reports invalid settings.
func (c *Config) Normalize() error {
	d := Default()
	if c.ContractsDir == "" {
		c.ContractsDir = d.ContractsDir
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = d.ArtifactsDir
	}
	if c.StateStore.Backend == "" {
		c.StateStore.Backend = d.StateStore.Backend
	}
	if c.StateStore.Path == "" {
		c.StateStore.Path = d.StateStore.Path
	}
	switch c.StateStore.Backend {
	case BackendEmbedded:
	case BackendServer:
		if c.StateStore.DatabaseURL == "" {
			return fmt.Errorf("state_store.backend %q requires state_store.database_url", BackendServer)
		}
	default:
		return fmt.Errorf("unknown state_store.backend %q", c.StateStore.Backend)
	}
	return nil
}
