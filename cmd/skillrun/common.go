package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/fieldworks/skillrun/internal/adapter"
	"github.com/fieldworks/skillrun/internal/advisor"
	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/config"
	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/executor"
	"github.com/fieldworks/skillrun/internal/fixloop"
	"github.com/fieldworks/skillrun/internal/gate"
	"github.com/fieldworks/skillrun/internal/pipeline"
	"github.com/fieldworks/skillrun/internal/redact"
	"github.com/fieldworks/skillrun/internal/skills"
	"github.com/fieldworks/skillrun/internal/state"
	"github.com/fieldworks/skillrun/internal/state/postgres"
	"github.com/fieldworks/skillrun/internal/state/sqlite"
)

// loadConfig reads the config file when present, falls back to defaults, and
// applies environment overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()

	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".skillrun", "config.json")
	}
	if _, err := os.Stat(path); err == nil {
		viper.SetConfigFile(path)
		viper.SetConfigType("json")
		if err := viper.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := config.ValidateSettings(viper.AllSettings()); err != nil {
			return config.Config{}, err
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return config.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if backend := os.Getenv("STATE_STORE_BACKEND"); backend != "" {
		cfg.StateStore.Backend = backend
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.StateStore.DatabaseURL = url
	}
	if v := os.Getenv("ROUTER_ENABLED"); v == "true" || v == "1" {
		cfg.Router.Enabled = true
	}

	if err := cfg.Normalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore builds the configured state backend wrapped in redaction.
func openStore(ctx context.Context, cfg config.Config) (state.Store, error) {
	scrubber := redact.New(cfg.Redaction.ExtraPatterns...)
	switch cfg.StateStore.Backend {
	case config.BackendServer:
		inner, err := postgres.Open(ctx, cfg.StateStore.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return state.WithRedaction(inner, scrubber), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.StateStore.Path), 0o755); err != nil {
			return nil, err
		}
		db, err := sqlite.Open(cfg.StateStore.Path)
		if err != nil {
			return nil, err
		}
		return state.WithRedaction(sqlite.NewStore(db), scrubber), nil
	}
}

// runtime bundles the wired components behind the CLI commands.
type runtime struct {
	cfg       config.Config
	registry  *contract.Registry
	store     state.Store
	gates     *gate.Set
	workspace *artifact.Workspace
	exec      *executor.Executor
	adapter   *adapter.Adapter
	loop      *fixloop.Loop
	driver    *pipeline.Driver
	close     func()
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	registry, err := contract.Load(cfg.ContractsDir)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gates := gate.NewSet()
	workspace := artifact.NewWorkspace(cfg.ArtifactsDir)
	exec := executor.New(registry, store, gates, workspace, skills.Builtin(), executor.Options{
		LearningProducers: cfg.LearningProducers,
	})
	loop := fixloop.New(advisor.New(registry, gates), workspace)
	return &runtime{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		gates:     gates,
		workspace: workspace,
		exec:      exec,
		adapter:   adapter.New(exec, store, registry, adapter.Options{RouterEnabled: cfg.Router.Enabled}),
		loop:      loop,
		driver: pipeline.New(exec, registry, loop, pipeline.Options{
			Concurrency: cfg.Pipeline.Concurrency,
		}),
		close: func() { _ = store.Close() },
	}, nil
}
