package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/ahwetekm/bread-backup/internal/backup"
	"github.com/ahwetekm/bread-backup/internal/cli"
	"github.com/ahwetekm/bread-backup/internal/config"
	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/orchestrator"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/schedule"
	"github.com/ahwetekm/bread-backup/internal/storage"
	"github.com/ahwetekm/bread-backup/internal/types"
	"github.com/ahwetekm/bread-backup/pkg/utils"
)

const defaultConfigPath = "/etc/bread-backup/config.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitFatal.Int())
		}
	}()

	args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		cli.PrintHelp(os.Stderr, os.Args[0])
		return types.ExitFatal.Int()
	}

	switch args.Command {
	case cli.CommandVersion:
		cli.PrintVersion(os.Stdout)
		return types.ExitSuccess.Int()
	case cli.CommandHelp:
		cli.PrintHelp(os.Stdout, os.Args[0])
		return types.ExitSuccess.Int()
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return types.ExitFatal.Int()
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return types.ExitFatal.Int()
	}
	useColor := !cfg.NoColor && logging.ColorSupported()
	logger := logging.New(level, useColor)
	if cfg.LogFile != "" {
		if err := logger.OpenLogFile(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return types.ExitFatal.Int()
		}
		defer logger.CloseLogFile()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warning("Received signal %v, shutting down", sig)
		cancel()
	}()

	store, err := storage.NewLocalStorage(logger, cfg.Destination)
	if err != nil {
		logger.Critical("Cannot open destination: %v", err)
		return types.ExitFatal.Int()
	}

	switch args.Command {
	case cli.CommandBackup:
		return runBackup(ctx, logger, cfg, args, store)
	case cli.CommandRestore:
		return runRestore(ctx, logger, cfg, args, store)
	case cli.CommandVerify:
		return runVerify(ctx, logger, cfg, args, store)
	case cli.CommandInfo:
		return runInfo(ctx, logger, cfg, args, store)
	case cli.CommandList:
		return runList(ctx, logger, args, store)
	}
	return types.ExitFatal.Int()
}

// loadConfig resolves the configuration file, then layers flag overrides on
// top. A missing file is only an error when --config named it explicitly.
func loadConfig(args *cli.Args) (config.Config, error) {
	var cfg config.Config
	var err error

	switch {
	case args.ConfigPath != "":
		cfg, err = config.Load(args.ConfigPath)
	case utils.FileExists(defaultConfigPath):
		cfg, err = config.Load(defaultConfigPath)
	default:
		cfg = config.Default()
	}
	if err != nil {
		return cfg, err
	}

	if args.LogLevel != "" {
		cfg.LogLevel = args.LogLevel
	}
	if args.NoColor {
		cfg.NoColor = true
	}
	if args.Destination != "" {
		dest, err := utils.AbsPath(args.Destination)
		if err != nil {
			return cfg, err
		}
		cfg.Destination = dest
	}
	if args.Compression != "" {
		cfg.Compression = types.CompressionType(args.Compression)
	}
	if args.ExcludeFile != "" {
		cfg.ExcludeFile = args.ExcludeFile
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runBackup(ctx context.Context, logger *logging.Logger, cfg config.Config, args *cli.Args, store storage.Storage) int {
	opts := orchestrator.BackupOptions{
		IncludePackages: !args.NoPackages,
		IncludeConfig:   !args.NoConfig,
		DryRun:          args.DryRun,
	}
	manager := pacman.NewSystemManager(logger, cfg.CommandTimeout)

	job := func(ctx context.Context) error {
		orch, err := orchestrator.NewBackupOrchestrator(logger, cfg, opts, manager, store)
		if err != nil {
			return err
		}
		summary, err := orch.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("Backup finished in %s", utils.FormatDuration(summary.EndTime.Sub(summary.StartTime)))
		return nil
	}

	if args.Schedule != "" {
		runner, err := schedule.New(logger, args.Schedule, job)
		if err != nil {
			logger.Critical("%v", err)
			return types.ExitFatal.Int()
		}
		if err := runner.Run(ctx); !errors.Is(err, context.Canceled) {
			logger.Critical("Scheduler stopped: %v", err)
			return types.ExitFatal.Int()
		}
		return types.ExitSuccess.Int()
	}

	orch, err := orchestrator.NewBackupOrchestrator(logger, cfg, opts, manager, store)
	if err != nil {
		logger.Critical("%v", err)
		return types.ExitFatal.Int()
	}
	summary, err := orch.Run(ctx)
	if err != nil {
		logger.Critical("Backup failed: %v", err)
	}
	return exitWith(logger, summary.ExitCode())
}

func runRestore(ctx context.Context, logger *logging.Logger, cfg config.Config, args *cli.Args, store storage.Storage) int {
	sel := orchestrator.Selection{
		Packages: !args.NoPackages,
		Config:   !args.NoConfig,
	}
	manager := pacman.NewSystemManager(logger, cfg.CommandTimeout)
	helper := pacman.NewHelper(cfg.AURHelper, logger, cfg.CommandTimeout)

	orch, err := orchestrator.NewRestoreOrchestrator(logger, cfg, sel, manager, helper, store, args.TargetRoot, args.DryRun)
	if err != nil {
		logger.Critical("%v", err)
		return types.ExitFatal.Int()
	}
	summary, err := orch.Run(ctx, args.Archive)
	if err != nil {
		logger.Critical("Restore failed: %v", err)
	}
	return exitWith(logger, summary.ExitCode())
}

func runVerify(ctx context.Context, logger *logging.Logger, cfg config.Config, args *cli.Args, store storage.Storage) int {
	archivePath, err := store.Open(ctx, args.Archive)
	if err != nil {
		logger.Critical("%v", err)
		return types.ExitFatal.Int()
	}
	scratch, err := os.MkdirTemp("", "bread-backup-verify-*")
	if err != nil {
		logger.Critical("Cannot create scratch directory: %v", err)
		return types.ExitFatal.Int()
	}
	defer os.RemoveAll(scratch)

	archiver := backup.NewArchiver(logger, cfg.Compression, cfg.CompressionLevel)
	result, err := backup.NewVerifier(logger, archiver).Verify(ctx, archivePath, scratch)
	if err != nil {
		logger.Critical("Verification aborted: %v", err)
		return types.ExitFatal.Int()
	}

	for _, defect := range result.Structural {
		logger.Error("Structural: %s", defect)
	}
	for _, m := range result.Mismatches {
		logger.Error("Mismatch: %s", m)
	}
	if !result.OK {
		logger.Error("Archive FAILED verification")
		return types.ExitFatal.Int()
	}
	logger.Step("Archive OK: %d files, %d packages",
		len(result.Manifest.FileEntries), len(result.Manifest.PackageEntries))
	return types.ExitSuccess.Int()
}

func runInfo(ctx context.Context, logger *logging.Logger, cfg config.Config, args *cli.Args, store storage.Storage) int {
	archivePath, err := store.Open(ctx, args.Archive)
	if err != nil {
		logger.Critical("%v", err)
		return types.ExitFatal.Int()
	}
	scratch, err := os.MkdirTemp("", "bread-backup-info-*")
	if err != nil {
		logger.Critical("Cannot create scratch directory: %v", err)
		return types.ExitFatal.Int()
	}
	defer os.RemoveAll(scratch)

	archiver := backup.NewArchiver(logger, cfg.Compression, cfg.CompressionLevel)
	if err := archiver.Extract(ctx, archivePath, scratch); err != nil {
		logger.Critical("Cannot read archive: %v", err)
		return types.ExitFatal.Int()
	}
	manifest, err := backup.LoadManifest(filepath.Join(scratch, backup.ManifestName))
	if err != nil {
		logger.Critical("Cannot read manifest: %v", err)
		return types.ExitFatal.Int()
	}

	if args.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(manifest); err != nil {
			logger.Critical("Cannot encode manifest: %v", err)
			return types.ExitFatal.Int()
		}
		return types.ExitSuccess.Int()
	}

	fmt.Printf("Archive:     %s\n", args.Archive)
	fmt.Printf("Backup ID:   %s\n", manifest.BackupID)
	fmt.Printf("Created:     %s\n", manifest.CreatedAt.Local().Format(time.RFC1123))
	fmt.Printf("Host:        %s (kernel %s)\n", manifest.Hostname, manifest.KernelVersion)
	fmt.Printf("Format:      %s, %s compression\n", manifest.FormatVersion, manifest.Compression)
	fmt.Printf("Packages:    %d\n", len(manifest.PackageEntries))
	fmt.Printf("Files:       %d\n", len(manifest.FileEntries))
	for name, comp := range manifest.Components {
		fmt.Printf("  %-10s %d items, %s\n", name, comp.Count, utils.FormatBytes(comp.SizeBytes))
	}
	return types.ExitSuccess.Int()
}

func runList(ctx context.Context, logger *logging.Logger, args *cli.Args, store storage.Storage) int {
	archives, err := store.List(ctx, storage.SortBy(args.SortBy))
	if err != nil {
		logger.Critical("Cannot list archives: %v", err)
		return types.ExitFatal.Int()
	}

	if args.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(archives); err != nil {
			logger.Critical("Cannot encode listing: %v", err)
			return types.ExitFatal.Int()
		}
		return types.ExitSuccess.Int()
	}

	if len(archives) == 0 {
		fmt.Println("No archives found.")
		return types.ExitSuccess.Int()
	}
	for _, a := range archives {
		fmt.Printf("%-50s %10s  %s\n", a.Filename, utils.FormatBytes(a.Size),
			a.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return types.ExitSuccess.Int()
}

func exitWith(logger *logging.Logger, code types.ExitCode) int {
	if code == types.ExitSuccess && (logger.HasWarnings() || logger.HasErrors()) {
		return types.ExitPartial.Int()
	}
	return code.Int()
}
