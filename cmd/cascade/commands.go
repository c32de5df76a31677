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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	rootDir       string
	configPath    string
	backendArg    string
	logLevel      string
	logJSON       bool
	logDir        string
	outputMode    string
	traceExporter string

	// create / update
	contentFile  string
	ttlArg       string
	expiresArg   string
	strengths    []string
	weaknesses   []string
	improvements []string

	// prune
	keepLast int

	// sweep
	sweepInterval string
	metricsAddr   string
	sweepOnce     bool

	rootCmd = &cobra.Command{
		Use:   "cascade",
		Short: "A local, file-backed versioned memory store",
		Long: `cascade keeps versioned JSON records and named documents under one
directory. Every destructive write is preceded by a snapshot, every write
is serialized by a lock shared with other processes, and documents are
verified against their hash on load.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup, // Defined in app.go
	}

	// --- Records ---
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the store layout and a default config file",
		Args:  cobra.NoArgs,
		RunE:  runInit, // Defined in cmd_records.go
	}
	createCmd = &cobra.Command{
		Use:   "create <type> [content-json]",
		Short: "Create a record. Content is read from the argument, --file, or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCreate, // Defined in cmd_records.go
	}
	updateCmd = &cobra.Command{
		Use:   "update <id> [content-json]",
		Short: "Replace a record's content, bumping its version",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runUpdate, // Defined in cmd_records.go
	}
	getCmd = &cobra.Command{
		Use:   "get <id>",
		Short: "Print a record",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet, // Defined in cmd_records.go
	}
	searchCmd = &cobra.Command{
		Use:   "search <type>",
		Short: "List every record of a type",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch, // Defined in cmd_records.go
	}
	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired records",
		Args:  cobra.NoArgs,
		RunE:  runCleanup, // Defined in cmd_records.go
	}
	depsCmd = &cobra.Command{
		Use:   "deps <id>",
		Short: "Print a record's dependencies in build order",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeps, // Defined in cmd_records.go
	}

	// --- Documents ---
	saveCmd = &cobra.Command{
		Use:   "save <name> [content-json]",
		Short: "Save a named document, snapshotting the previous version",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSave, // Defined in cmd_documents.go
	}
	loadCmd = &cobra.Command{
		Use:   "load <name>",
		Short: "Load a named document, restoring it from its snapshot if corrupt",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad, // Defined in cmd_documents.go
	}

	// --- Backups ---
	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the whole store",
		Args:  cobra.NoArgs,
		RunE:  runBackup, // Defined in cmd_backups.go
	}
	snapshotsCmd = &cobra.Command{
		Use:   "snapshots [target]",
		Short: "List snapshot targets, or the snapshots of one target",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshots, // Defined in cmd_backups.go
	}
	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore from the newest verified snapshot",
	}
	restoreRecordCmd = &cobra.Command{
		Use:   "record <id>",
		Short: "Restore one record",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestoreRecord, // Defined in cmd_backups.go
	}
	restoreDocCmd = &cobra.Command{
		Use:   "doc <name>",
		Short: "Restore one document",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestoreDoc, // Defined in cmd_backups.go
	}
	restoreAllCmd = &cobra.Command{
		Use:   "all",
		Short: "Restore the whole store from the newest store snapshot",
		Args:  cobra.NoArgs,
		RunE:  runRestoreAll, // Defined in cmd_backups.go
	}
	pruneCmd = &cobra.Command{
		Use:   "prune <target>",
		Short: "Delete all but the newest snapshots of a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runPrune, // Defined in cmd_backups.go
	}
	verifyCmd = &cobra.Command{
		Use:   "verify <target> [snapshot-id]",
		Short: "Re-hash snapshots against their manifests",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runVerify, // Defined in cmd_backups.go
	}

	// --- Safety ---
	recordStateCmd = &cobra.Command{
		Use:   "record-state <path>",
		Short: "Record a file's current hash and mtime as trusted",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecordState, // Defined in cmd_safety.go
	}
	safeCheckCmd = &cobra.Command{
		Use:   "safe-check <path>",
		Short: "Check whether a file still matches its trusted state",
		Args:  cobra.ExactArgs(1),
		RunE:  runSafeCheck, // Defined in cmd_safety.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch [path...]",
		Short: "Report tracked files that change outside the store",
		RunE:  runWatch, // Defined in cmd_safety.go
	}

	// --- Maintenance ---
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Compare the index with the stored records without repairing",
		Args:  cobra.NoArgs,
		RunE:  runCheck, // Defined in cmd_maintenance.go
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired records periodically and serve metrics",
		Args:  cobra.NoArgs,
		RunE:  runSweep, // Defined in cmd_maintenance.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Summarize the store",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_maintenance.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootDir, "root", "", "store directory (default .cascade, env CASCADE_ROOT)")
	pf.StringVar(&configPath, "config", "", "config file (default <root>/config.yaml)")
	pf.StringVar(&backendArg, "backend", "", "record backend: file, badger, or sqlite")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&logJSON, "log-json", false, "log JSON to stderr")
	pf.StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")
	pf.StringVarP(&outputMode, "output", "o", "", "output: rich, plain, or json (default depends on terminal)")
	pf.StringVar(&traceExporter, "trace", "", "export spans: none, stdout (to stderr), or otlp")

	for _, c := range []*cobra.Command{createCmd, updateCmd} {
		c.Flags().StringVarP(&contentFile, "file", "f", "", "read content JSON from a file (- for stdin)")
		c.Flags().StringVar(&ttlArg, "ttl", "", "expire the record after this duration, e.g. 24h")
		c.Flags().StringVar(&expiresArg, "expires-at", "", "expire the record at this RFC 3339 time")
		c.Flags().StringArrayVar(&strengths, "strength", nil, "critique strength (repeatable)")
		c.Flags().StringArrayVar(&weaknesses, "weakness", nil, "critique weakness (repeatable)")
		c.Flags().StringArrayVar(&improvements, "improvement", nil, "critique improvement (repeatable)")
	}
	saveCmd.Flags().StringVarP(&contentFile, "file", "f", "", "read content JSON from a file (- for stdin)")

	pruneCmd.Flags().IntVar(&keepLast, "keep-last", 0, "snapshots to keep (default backup.keep_last)")

	sweepCmd.Flags().StringVar(&sweepInterval, "interval", "", "time between sweeps (default sweep.interval)")
	sweepCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run one sweep and exit")

	restoreCmd.AddCommand(restoreRecordCmd, restoreDocCmd, restoreAllCmd)

	rootCmd.AddCommand(
		initCmd, createCmd, updateCmd, getCmd, searchCmd, cleanupCmd, depsCmd,
		saveCmd, loadCmd,
		backupCmd, snapshotsCmd, restoreCmd, pruneCmd, verifyCmd,
		recordStateCmd, safeCheckCmd, watchCmd,
		checkCmd, sweepCmd, statusCmd,
	)
}
