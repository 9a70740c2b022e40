// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/pdiddy/book-engine/internal/agent"
	"github.com/pdiddy/book-engine/internal/checkpoint"
	"github.com/pdiddy/book-engine/internal/continuity"
	"github.com/pdiddy/book-engine/internal/embedding"
	"github.com/pdiddy/book-engine/internal/export"
	"github.com/pdiddy/book-engine/internal/memory"
	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/internal/provider"
	"github.com/pdiddy/book-engine/internal/telemetry"
	"github.com/pdiddy/book-engine/internal/tools"
	"github.com/pdiddy/book-engine/internal/workflow"
	"github.com/pdiddy/book-engine/pkg/types"
)

// app holds the components wired for one book.
type app struct {
	cfg         types.EngineConfig
	logger      *log.Logger
	memory      *memory.Store
	checkpoints checkpoint.Store
	exporter    *export.Manager
	engine      *workflow.Engine
}

// memoryPath places each book's memory store next to the configured path,
// e.g. books/<book-id>/memory.db for books/memory.db.
func memoryPath(cfg types.EngineConfig, bookID string) string {
	return filepath.Join(filepath.Dir(cfg.Memory.Path), bookID, filepath.Base(cfg.Memory.Path))
}

// openMemory opens the memory store of bookID.
func openMemory(cfg types.EngineConfig, bookID string, logger *log.Logger) (*memory.Store, error) {
	if err := checkpoint.ValidID(bookID); err != nil {
		return nil, err
	}
	embedder, err := embedding.New(cfg.Memory.Embedding)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	mcfg := cfg.Memory
	mcfg.Path = memoryPath(cfg, bookID)
	return memory.Open(mcfg, embedder, logger)
}

// applyWorkflowFlags lets the --parallel and --policy flags override the
// configured workflow settings on commands that define them.
func applyWorkflowFlags(cmd *cobra.Command, cfg *types.EngineConfig) {
	if f := cmd.Flags().Lookup("parallel"); f != nil && f.Changed {
		cfg.Workflow.Parallelism, _ = cmd.Flags().GetInt("parallel")
	}
	if f := cmd.Flags().Lookup("policy"); f != nil && f.Changed {
		policy, _ := cmd.Flags().GetString("policy")
		cfg.Workflow.FailurePolicy = types.FailurePolicy(policy)
	}
}

// openStores opens only the persistence layers, for commands that make no model calls.
func openStores(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyWorkflowFlags(cmd, &cfg)
	logger := newLogger(cmd)
	cp, err := checkpoint.New(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, checkpoints: cp, exporter: export.NewManager(cfg.Export, logger)}, nil
}

// newApp wires the full engine for bookID.
func newApp(ctx context.Context, cmd *cobra.Command, bookID string) (*app, error) {
	a, err := openStores(ctx, cmd)
	if err != nil {
		return nil, err
	}
	cfg, logger := a.cfg, a.logger

	a.memory, err = openMemory(cfg, bookID, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	model, err := provider.New(ctx, cfg.Provider)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating %s provider: %w", cfg.Provider.Provider, err)
	}

	registry, err := tools.NewRegistry(tools.NewMemorySearch(a.memory))
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(cfg.Tools.Feeds) > 0 {
		if err := registry.Register(tools.NewFeedSearch(cfg.Tools.Feeds, cfg.Tools.MaxItems, logger)); err != nil {
			a.Close()
			return nil, err
		}
	}

	mods := &prompt.ModifierSet{}
	if cfg.Runner.ModifiersFile != "" {
		if mods, err = prompt.LoadModifiers(cfg.Runner.ModifiersFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	rec, err := telemetry.New(nil, nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	runner := agent.NewRunner(model, cfg.Runner,
		agent.WithModifiers(mods),
		agent.WithTools(registry),
		agent.WithTelemetry(rec),
		agent.WithLogger(logger),
		agent.WithGeneration(cfg.Provider.MaxTokens, cfg.Provider.Temperature),
	)

	a.engine = workflow.New(workflow.Deps{
		Agent:       runner,
		Memory:      a.memory,
		Extractor:   continuity.NewExtractor(runner, logger),
		Checkpoints: a.checkpoints,
		Exporters:   []workflow.Exporter{a.exporter},
		Logger:      logger,
		Telemetry:   rec,
	}, cfg)
	return a, nil
}

// Close releases the stores.
func (a *app) Close() error {
	var errs []error
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if a.checkpoints != nil {
		errs = append(errs, a.checkpoints.Close())
	}
	return errors.Join(errs...)
}
