package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/librarian/internal/config"
	"github.com/dshills/librarian/internal/governor"
	"github.com/dshills/librarian/internal/indexer"
	"github.com/dshills/librarian/internal/lease"
	"github.com/dshills/librarian/internal/loader"
	"github.com/dshills/librarian/internal/repair"
	"github.com/dshills/librarian/internal/scheduler"
	"github.com/dshills/librarian/internal/status"
	"github.com/dshills/librarian/internal/storage"
	"github.com/dshills/librarian/internal/supervisor"
)

// app is the wired set of components shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	storage  *storage.SQLiteStorage
	status   *status.Store
	leases   *lease.Manager
	governor *governor.Governor
	indexer  *indexer.Indexer
}

// newApp opens the index database and wires the indexing pipeline.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	registry, err := loader.NewRegistryFromSpecs(cfg.Loaders)
	if err != nil {
		return nil, fmt.Errorf("configure loaders: %w", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	st := newStatusStore(cfg, logger)
	leases := lease.NewManager(cfg.LeasePath(), lease.WithLogger(logger))
	gov := governor.NewHost(
		governor.WithCeilings(cfg.MaxCPUPercent, cfg.MaxMemoryPercent),
		governor.WithLogger(logger))

	spawner := &supervisor.ProcessSpawner{
		Args:   []string{"worker", "--books-dir", cfg.BooksDir, "--db-dir", cfg.DBDir, "--file"},
		Logger: logger,
	}
	sup := supervisor.New(spawner, gov,
		supervisor.WithRecorder(st),
		supervisor.WithLogger(logger))

	rep := repair.NewRepairer(
		repair.NewGhostscript(cfg.Ghostscript, logger),
		cfg.OriginalsDir(), repair.DefaultTimeout, logger)

	idx := indexer.New(indexer.Config{
		BooksDir:      cfg.BooksDir,
		OriginalsDir:  cfg.OriginalsDir(),
		ExportPath:    cfg.ExportPath(),
		MaxFileSizeMB: cfg.MaxFileSizeMB,
	}, store, sup, st,
		indexer.WithRepairer(rep),
		indexer.WithScaler(gov),
		indexer.WithMatcher(registry.Supports),
		indexer.WithLogger(logger))

	return &app{
		cfg:      cfg,
		logger:   logger,
		storage:  store,
		status:   st,
		leases:   leases,
		governor: gov,
		indexer:  idx,
	}, nil
}

func newStatusStore(cfg config.Config, logger *slog.Logger) *status.Store {
	return status.NewStore(cfg.DBDir,
		status.WithHealthLimits(0, cfg.HealthMemoryMB),
		status.WithLogger(logger))
}

// scheduler builds a ChangeScheduler over the app's components.
func (a *app) scheduler(service bool) *scheduler.Scheduler {
	return scheduler.New(
		scheduler.DefaultConfig(a.cfg.BooksDir, a.cfg.PausePath(), service),
		scheduler.Deps{
			Index:  a.indexer,
			Leases: a.leases,
			Status: a.status,
			Logger: a.logger,
		})
}

func (a *app) Close() error {
	return a.storage.Close()
}

// withApp opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close index", "error", err)
		}
	}()
	return fn(a)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
