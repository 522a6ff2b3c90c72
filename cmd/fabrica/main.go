package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fabrica-dev/fabrica/pkg/agent"
	"github.com/fabrica-dev/fabrica/pkg/agent/anthropic"
	"github.com/fabrica-dev/fabrica/pkg/agent/gemini"
	"github.com/fabrica-dev/fabrica/pkg/config"
	"github.com/fabrica-dev/fabrica/pkg/pipeline"
	"github.com/fabrica-dev/fabrica/pkg/sandbox/docker"
	"github.com/fabrica-dev/fabrica/pkg/server"
	"github.com/fabrica-dev/fabrica/pkg/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	// Config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	apiKey := cfg.APIKey()
	if apiKey == "" {
		slog.Error("API key environment variable not set", "env", cfg.Agent.APIKeyEnv)
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize store.
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize agent provider.
	var provider agent.Provider
	switch cfg.Agent.Provider {
	case "anthropic":
		provider = anthropic.New(apiKey, cfg.Agent.Model)
	default:
		provider, err = gemini.New(ctx, apiKey, cfg.Agent.Model)
		if err != nil {
			slog.Error("Failed to initialize Gemini provider", "error", err)
			os.Exit(1)
		}
	}

	// Initialize sandbox manager.
	sbMgr, err := docker.New(cfg.Sandbox.Image, cfg.Sandbox.Timeout)
	if err != nil {
		slog.Error("Failed to initialize sandbox manager", "error", err)
		os.Exit(1)
	}
	defer sbMgr.Close()

	// Start sandbox reconciliation loop in background. This reaps
	// containers that outlive their deadline.
	go func() {
		if err := sbMgr.Run(ctx); err != nil {
			slog.Error("Sandbox manager stopped", "error", err)
		}
	}()

	// Initialize the turn pipeline.
	pipe := pipeline.New(store, store, sbMgr, provider, pipeline.Config{
		SandboxTimeout:    cfg.Sandbox.Timeout,
		KeepaliveInterval: cfg.Sandbox.KeepaliveInterval,
		Workdir:           cfg.Sandbox.Workdir,
	})
	go func() {
		if err := pipe.Start(ctx); err != nil {
			slog.Error("Pipeline stopped unexpectedly", "error", err)
		}
	}()

	// Start server.
	srv := server.New(store, store, store, sbMgr)
	if err := srv.Start(cfg.Listen); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
