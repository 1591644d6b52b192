package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/scrypster/zedcore/internal/activity"
	"github.com/scrypster/zedcore/internal/assembler"
	"github.com/scrypster/zedcore/internal/branch"
	"github.com/scrypster/zedcore/internal/config"
	"github.com/scrypster/zedcore/internal/embedding"
	"github.com/scrypster/zedcore/internal/identity"
	"github.com/scrypster/zedcore/internal/memory"
	"github.com/scrypster/zedcore/internal/pipeline"
	"github.com/scrypster/zedcore/internal/storage"
	"github.com/scrypster/zedcore/internal/storage/postgres"
	"github.com/scrypster/zedcore/internal/storage/sqlite"
)

// backend is the full storage surface the binary needs from either engine.
type backend interface {
	storage.MemoryStore
	storage.BufferStore
	storage.ConversationStore
	Migrate() (int, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ backend = (*sqlite.Store)(nil)
	_ backend = (*postgres.Store)(nil)
)

// openStore opens the configured engine. Both engines apply pending
// migrations on open.
func openStore(cfg *config.Config, logger *slog.Logger) (backend, error) {
	if cfg.Storage.Engine == "postgres" {
		store, err := postgres.Open(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := sqlite.Open(cfg.SQLiteDSN(), logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// app is the fully wired core.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     backend
	embedder  *embedding.Guarded
	memories  *memory.Service
	branches  *branch.Manager
	assembler *assembler.Assembler
	pipeline  *pipeline.Pipeline

	identity     pipeline.IdentitySource
	identityFile *identity.File // nil without an identity file
}

// newApp wires every component. When hub is non-nil, branch transitions and
// turn reports are published to it.
func newApp(cfg *config.Config, logger *slog.Logger, hub *activity.Hub) (*app, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	if err := a.wire(hub); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(hub *activity.Hub) error {
	cfg := a.cfg

	provider, err := embedding.NewProvider(embedding.Config{
		Backend:    cfg.Embedding.Backend,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		return err
	}
	a.embedder, err = embedding.NewGuarded(provider, embedding.GuardOptions{
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		CacheSize:         cfg.Embedding.CacheSize,
		CallTimeout:       cfg.Embedding.Timeout,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}

	a.memories, err = memory.NewService(a.store, a.store, a.embedder, memory.WithLogger(a.logger))
	if err != nil {
		return err
	}

	branchOpts := []branch.Option{branch.WithLogger(a.logger)}
	if hub != nil {
		branchOpts = append(branchOpts, branch.WithObserver(func(e branch.Event) {
			hub.Publish(activity.TypeBranch, e)
		}))
	}
	a.branches, err = branch.NewManager(a.store, branchOpts...)
	if err != nil {
		return err
	}

	a.assembler, err = assembler.New(a.memories, a.branches,
		assembler.WithBudget(budgetFromConfig(cfg.Context)),
		assembler.WithCounter(assembler.NewCounter(cfg.Context.TokenCounter, cfg.Context.TokenEncoding, a.logger)),
		assembler.WithMemoryTimeout(cfg.Context.MemoryTimeout),
		assembler.WithAgentName(cfg.Agent.Name),
		assembler.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	a.identity = pipeline.StaticIdentity("")
	if cfg.Agent.IdentityFile != "" {
		a.identityFile, err = identity.Load(cfg.Agent.IdentityFile, a.logger)
		if err != nil {
			return err
		}
		a.identity = a.identityFile
	}

	pcfg := pipeline.Config{
		Branches:             a.branches,
		Assembler:            a.assembler,
		Buffer:               a.memories,
		Identity:             a.identity,
		IncludeSwitchboard:   cfg.Branches.IncludeSwitchboard,
		FirstContactPriority: cfg.Agent.FirstContactPriority,
		Logger:               a.logger,
	}
	if hub != nil {
		pcfg.Observer = pipeline.ObserverFunc(func(r pipeline.Report) {
			hub.Publish(activity.TypeTurn, r)
		})
	}
	a.pipeline, err = pipeline.New(pcfg)
	return err
}

// sweeper builds the periodic branch sweep, expiring memories on each tick.
func (a *app) sweeper() (*branch.Sweeper, error) {
	return branch.NewSweeper(a.branches, branch.SweeperConfig{
		Interval:            a.cfg.Branches.SweepInterval,
		InactivityThreshold: a.cfg.Branches.InactivityThreshold,
		NoticeRetention:     a.cfg.Branches.NoticeRetention,
		Extra: func(ctx context.Context) error {
			n, err := a.memories.ExpireDue(ctx)
			if n > 0 {
				a.logger.Info("expired memories", "count", n)
			}
			return err
		},
		Logger: a.logger,
	})
}

func (a *app) Close() error {
	if a.identityFile != nil {
		_ = a.identityFile.Close()
	}
	return a.store.Close()
}

func budgetFromConfig(c config.ContextConfig) assembler.Budget {
	return assembler.Budget{
		MaxContextTokens:    c.MaxContextTokens,
		ReservedForResponse: c.ReservedForResponse,
		SwitchboardBudget:   c.SwitchboardBudget,
		MinHistoryTokens:    c.MinHistoryTokens,
		MemoryFraction:      c.MemoryFraction,
		MemoryLimit:         c.MemoryLimit,
		QueryMaxChars:       c.QueryMaxChars,
		QueryRecentMessages: c.QueryRecentMessages,
		HistoryMessages:     c.HistoryMessages,
	}
}
