// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/cache"
	"github.com/AleutianAI/cascade/internal/config"
	"github.com/AleutianAI/cascade/internal/lock"
	"github.com/AleutianAI/cascade/internal/storage"
	"github.com/AleutianAI/cascade/internal/storage/badgerkv"
	"github.com/AleutianAI/cascade/internal/storage/sqlitekv"
	"github.com/AleutianAI/cascade/internal/store"
	"github.com/AleutianAI/cascade/internal/telemetry"
	"github.com/AleutianAI/cascade/pkg/logging"
	"github.com/AleutianAI/cascade/pkg/ux"
)

// Backend files under the root for the non-file backends.
const (
	badgerDir  = "badger"
	sqliteFile = "cascade.db"
)

// app holds what PersistentPreRunE resolved for the running command.
var app struct {
	cfg      config.Config
	logger   *logging.Logger
	printer  *ux.Printer
	registry *prometheus.Registry
	shutdown func(context.Context) error
}

// setup loads configuration, installs the process logger, and picks the
// output mode. Precedence is flags > env > config file > defaults.
func setup(cmd *cobra.Command, args []string) error {
	root := rootDir
	if root == "" {
		root = os.Getenv("CASCADE_ROOT")
	}
	if root == "" {
		root = config.Default().Root
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(root)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = rootDir
	}
	if flags.Changed("backend") {
		cfg.Backend = backendArg
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = logDir
	}
	if flags.Changed("trace") {
		cfg.Trace.Exporter = traceExporter
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mode := ux.DetectMode()
	if outputMode != "" {
		if mode, err = ux.ParseMode(outputMode); err != nil {
			return err
		}
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	teardown()
	app.cfg = cfg
	app.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "cascade",
		JSON:    cfg.Log.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(app.logger.Slog())
	app.printer = ux.NewPrinter(cmd.OutOrStdout(), mode)
	app.registry = prometheus.NewRegistry()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app.shutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "cascade",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		Writer:       cmd.ErrOrStderr(),
	})
	return err
}

// teardown flushes spans and closes the process logger. Safe to call more
// than once.
func teardown() {
	if app.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.shutdown(ctx); err != nil {
			slog.Warn("flush traces", "error", err)
		}
		cancel()
		app.shutdown = nil
	}
	if app.logger != nil {
		_ = app.logger.Close()
		app.logger = nil
	}
}

// openStore builds every store component from the loaded configuration
// and registers their metrics on app.registry.
func openStore(ctx context.Context) (*store.Store, error) {
	cfg := app.cfg
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", cfg.Root, err)
	}
	logger := app.logger.Slog()

	lc := lock.DefaultManagerConfig()
	lc.LockDir = filepath.Join(root, store.LocksDir)
	lc.Timeout = cfg.Lock.Timeout
	lc.PollInterval = cfg.Lock.PollInterval
	lc.Logger = logger
	lc.Metrics = lock.NewMetrics(app.registry)
	locks, err := lock.NewManager(lc)
	if err != nil {
		return nil, err
	}

	backups, err := backup.NewRotator(backup.Config{
		Dir:      filepath.Join(root, store.BackupsDir),
		KeepLast: cfg.Backup.KeepLast,
		Locks:    locks,
		Logger:   logger,
		Metrics:  backup.NewMetrics(app.registry),
	})
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg, root, logger)
	if err != nil {
		return nil, err
	}

	var records *cache.TTL[string, store.Record]
	if cfg.Cache.TTL > 0 {
		records = cache.New[string, store.Record](cache.Config{
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		})
	}

	s, err := store.Open(ctx, store.Config{
		Root:    root,
		Backend: backend,
		Locks:   locks,
		Backups: backups,
		Cache:   records,
		Rules:   cfg.Policy.Rules(),
		Logger:  logger,
		Metrics: store.NewMetrics(app.registry),
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

// openBackend returns the record backend named by cfg.Backend.
func openBackend(cfg config.Config, root string, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bc := badgerkv.DefaultConfig()
		bc.Path = filepath.Join(root, badgerDir)
		bc.Logger = logger
		return badgerkv.Open(bc)
	case config.BackendSQLite:
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create root %s: %w", root, err)
		}
		return sqlitekv.Open(filepath.Join(root, sqliteFile))
	default:
		return storage.NewFileBackend(root,
			storage.WithSkipDirs(store.BackupsDir, store.LocksDir, store.SafetyDir, badgerDir))
	}
}

// withStore opens the store, runs fn, and closes it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *store.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			slog.Warn("close store", "error", cerr)
		}
	}()
	return fn(ctx, s)
}

// Exit codes. Scripts can branch on the failure class.
const (
	exitOK          = 0
	exitFailure     = 1
	exitValidation  = 2
	exitNotFound    = 3
	exitLockTimeout = 4
	exitCorruption  = 5
	exitBackup      = 6
	exitUnsafe      = 7
)

// errUnsafe is returned by safe-check and check when they find a problem.
var errUnsafe = errors.New("unsafe to modify")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, backup.ErrInvalidTarget),
		errors.Is(err, backup.ErrInvalidSnapshotID):
		return exitValidation
	case errors.Is(err, store.ErrNotFound):
		return exitNotFound
	case errors.Is(err, lock.ErrLockTimeout):
		return exitLockTimeout
	case errors.Is(err, store.ErrCorruption):
		return exitCorruption
	case errors.Is(err, backup.ErrNoSnapshot):
		return exitNotFound
	case errors.Is(err, backup.ErrBackup):
		return exitBackup
	case errors.Is(err, errUnsafe):
		return exitUnsafe
	default:
		return exitFailure
	}
}
