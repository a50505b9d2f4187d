package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var globalFlags struct {
	configPath string
	envFile    string
	preset     string
	verbose    bool
}

var pipelineFlags struct {
	backend  string
	command  string
	store    string
	parallel int
}

func loadEnvFile() {
	if globalFlags.envFile != "" {
		_ = godotenv.Load(globalFlags.envFile)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if globalFlags.verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// localConfig loads the runtime configuration and narrows it to an offline
// pipeline: no bus, in-process cache, and a job store only when requested.
func localConfig() (config.Config, error) {
	cfg, err := config.Load(globalFlags.configPath)
	if err != nil {
		return cfg, err
	}
	cfg.Bus.Enabled = false
	cfg.Intake.Enabled = false
	cfg.Cache.Mode = "memory"
	if globalFlags.preset != "" {
		cfg.Policy.PresetPath = globalFlags.preset
	}
	if pipelineFlags.backend != "" {
		cfg.Backend.Mode = pipelineFlags.backend
	}
	if pipelineFlags.command != "" {
		cfg.Backend.Command = pipelineFlags.command
	}
	if pipelineFlags.store != "" {
		cfg.EventStore.Path = pipelineFlags.store
		cfg.EventStore.RetentionMode = "persistent"
	} else {
		cfg.EventStore.RetentionMode = "ephemeral"
	}
	if pipelineFlags.parallel > 0 {
		cfg.Scheduler.Concurrency = pipelineFlags.parallel
	}
	return cfg, nil
}

func buildLocalStack(ctx context.Context) (*runtime.Stack, error) {
	cfg, err := localConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return runtime.BuildStack(ctx, cfg, nil, newLogger())
}
