package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ahwetekm/bread-backup/internal/backup"
	"github.com/ahwetekm/bread-backup/internal/config"
	"github.com/ahwetekm/bread-backup/internal/exclude"
	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/permissions"
	"github.com/ahwetekm/bread-backup/internal/storage"
	"github.com/ahwetekm/bread-backup/internal/types"
	"github.com/ahwetekm/bread-backup/pkg/utils"
)

// BackupOptions selects which components a backup run captures.
type BackupOptions struct {
	IncludePackages bool
	IncludeConfig   bool
	DryRun          bool
}

// BackupSummary is the externally observable result of a backup run, besides
// the archive itself.
type BackupSummary struct {
	State             State
	ArchivePath       string
	StartTime         time.Time
	EndTime           time.Time
	FilesCollected    int
	FilesSkipped      int
	PackagesCollected int
	BytesCollected    int64
	ArchiveSize       int64
	ArchivesRemoved   int
	Compression       types.CompressionType
	DryRun            bool
}

// ExitCode maps the run outcome onto the process exit convention: skipped
// files degrade success to partial.
func (s *BackupSummary) ExitCode() types.ExitCode {
	if s.State != StateDone {
		return types.ExitFatal
	}
	if s.FilesSkipped > 0 {
		return types.ExitPartial
	}
	return types.ExitSuccess
}

// BackupOrchestrator owns one backup pipeline run.
type BackupOrchestrator struct {
	logger   *logging.Logger
	cfg      config.Config
	opts     BackupOptions
	manager  pacman.Manager
	matcher  *exclude.Matcher
	archiver *backup.Archiver
	store    storage.Storage
	state    State
}

// NewBackupOrchestrator wires a backup pipeline. Exclude patterns are
// compiled here so malformed configuration aborts before any collection.
func NewBackupOrchestrator(logger *logging.Logger, cfg config.Config, opts BackupOptions, manager pacman.Manager, store storage.Storage) (*BackupOrchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	patterns := append(exclude.DefaultPatterns(), cfg.ExcludePatterns...)
	var matcher *exclude.Matcher
	var err error
	if cfg.ExcludeFile != "" {
		matcher, err = exclude.FromFile(patterns, cfg.ExcludeFile)
	} else {
		matcher, err = exclude.New(patterns)
	}
	if err != nil {
		return nil, err
	}

	return &BackupOrchestrator{
		logger:   logger,
		cfg:      cfg,
		opts:     opts,
		manager:  manager,
		matcher:  matcher,
		archiver: backup.NewArchiver(logger, cfg.Compression, cfg.CompressionLevel),
		store:    store,
		state:    StateIdle,
	}, nil
}

// State returns the phase the pipeline last entered.
func (o *BackupOrchestrator) State() State {
	return o.state
}

func (o *BackupOrchestrator) enter(state State) {
	o.logger.Debug("Backup state: %s -> %s", o.state, state)
	o.state = state
}

// Run executes the pipeline: collect packages and files concurrently, build
// the manifest, write the archive. Per-file capture failures are skipped and
// counted; the run fails only on irrecoverable conditions.
func (o *BackupOrchestrator) Run(ctx context.Context) (*BackupSummary, error) {
	summary := &BackupSummary{
		State:     StateFailed,
		StartTime: time.Now(),
		DryRun:    o.opts.DryRun,
	}
	defer func() {
		summary.EndTime = time.Now()
		summary.State = o.state
	}()

	info := collectSystemInfo()
	compression := o.archiver.ResolveCompression()
	summary.Compression = compression
	o.logger.Step("Backing up %s (compression: %s)", info.Hostname, compression)

	staging, err := os.MkdirTemp("", "bread-backup-staging-*")
	if err != nil {
		o.enter(StateFailed)
		return summary, failure(StateIdle, fmt.Errorf("cannot create staging directory: %w", err))
	}
	defer os.RemoveAll(staging)
	payloadDir := filepath.Join(staging, "payload")

	// Package and file collection are independent read-only scans of
	// different subsystems; run them concurrently and merge afterwards.
	o.enter(StateCollectingPackages)
	var (
		wg       sync.WaitGroup
		packages []pacman.PackageEntry
		pkgErr   error
		files    []permissions.FileEntry
		fileErr  error
	)
	if o.opts.IncludePackages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			packages, pkgErr = pacman.Snapshot(ctx, o.manager)
		}()
	}
	if o.opts.IncludeConfig {
		wg.Add(1)
		go func() {
			defer wg.Done()
			files, fileErr = o.collectConfigTree(ctx, payloadDir, summary)
		}()
	}
	wg.Wait()

	if pkgErr != nil {
		o.enter(StateFailed)
		return summary, failure(StateCollectingPackages, pkgErr)
	}
	if fileErr != nil {
		o.enter(StateFailed)
		return summary, failure(StateCollectingFiles, fileErr)
	}
	if err := ctx.Err(); err != nil {
		o.enter(StateFailed)
		return summary, failure(o.state, err)
	}

	summary.PackagesCollected = len(packages)
	summary.FilesCollected = countFiles(files)
	o.enter(StateCollectingFiles)

	if o.opts.IncludePackages && len(packages) == 0 {
		o.enter(StateFailed)
		return summary, failure(StateCollectingPackages, fmt.Errorf("package collection produced zero packages"))
	}
	if o.opts.IncludeConfig && len(files) == 0 {
		o.enter(StateFailed)
		return summary, failure(StateCollectingFiles, fmt.Errorf("file collection produced zero files"))
	}

	if o.opts.DryRun {
		o.logger.DryRun("Would archive %d files (%s) and %d packages",
			summary.FilesCollected, utils.FormatBytes(summary.BytesCollected), len(packages))
		o.enter(StateDone)
		return summary, nil
	}

	o.enter(StateBuildingManifest)
	manifest, err := backup.NewBuilder(o.logger).Build(ctx, payloadDir, files, packages, info, compression)
	if err != nil {
		o.enter(StateFailed)
		return summary, failure(StateBuildingManifest, err)
	}

	if err := o.populateStaging(ctx, staging, payloadDir, manifest); err != nil {
		o.enter(StateFailed)
		return summary, failure(StateBuildingManifest, err)
	}

	o.enter(StateWritingArchive)
	archiveName := storage.GenerateArchiveName(info.Hostname, manifest.CreatedAt.Local())
	scratch := filepath.Join(staging, "out")
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		o.enter(StateFailed)
		return summary, failure(StateWritingArchive, err)
	}
	tmpArchive := filepath.Join(scratch, archiveName)
	if err := o.archiver.Create(ctx, stagingContentDir(staging), tmpArchive); err != nil {
		o.enter(StateFailed)
		return summary, failure(StateWritingArchive, err)
	}

	finalPath, err := o.store.Save(ctx, tmpArchive)
	if err != nil {
		o.enter(StateFailed)
		return summary, failure(StateWritingArchive, err)
	}
	summary.ArchivePath = finalPath
	if size, err := utils.GetFileSize(finalPath); err == nil {
		summary.ArchiveSize = size
	}

	if o.cfg.KeepArchives > 0 {
		removed, err := o.store.CleanupOld(ctx, o.cfg.KeepArchives)
		if err != nil {
			o.logger.Warning("Retention cleanup failed: %v", err)
		}
		summary.ArchivesRemoved = removed
	}

	o.enter(StateDone)
	o.logger.Step("Backup complete: %s (%s)", finalPath, utils.FormatBytes(summary.ArchiveSize))
	return summary, nil
}

// stagingContentDir holds the archive members; payload source and archive
// output live next to it so they stay out of the container.
func stagingContentDir(staging string) string {
	return filepath.Join(staging, "content")
}

// collectConfigTree walks the configured source, filters through the exclude
// matcher, captures metadata, and mirrors included entries into payloadDir.
// Individual capture failures are logged, counted, and skipped.
func (o *BackupOrchestrator) collectConfigTree(ctx context.Context, payloadDir string, summary *BackupSummary) ([]permissions.FileEntry, error) {
	source, err := o.cfg.SourceDir()
	if err != nil {
		return nil, err
	}
	if !utils.DirExists(source) {
		return nil, fmt.Errorf("config source does not exist: %s", source)
	}
	if err := utils.EnsureDir(payloadDir); err != nil {
		return nil, err
	}
	o.logger.Info("Collecting configuration from %s", source)

	var entries []permissions.FileEntry
	walkErr := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			o.logger.Warning("Cannot access %s: %v", path, err)
			summary.FilesSkipped++
			return nil
		}
		if path == source {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if o.matcher.Excluded(rel) {
			o.logger.Debug("Excluded: %s", rel)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry, err := permissions.Capture(path, source)
		if err != nil {
			o.logger.Warning("Cannot capture %s: %v", rel, err)
			summary.FilesSkipped++
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if err := o.mirrorEntry(path, filepath.Join(payloadDir, filepath.FromSlash(rel)), entry); err != nil {
			o.logger.Warning("Cannot copy %s: %v", rel, err)
			summary.FilesSkipped++
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !entry.IsDir {
			summary.BytesCollected += entry.SizeBytes
		}
		entries = append(entries, entry)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return entries, nil
}

func (o *BackupOrchestrator) mirrorEntry(src, dst string, entry permissions.FileEntry) error {
	switch {
	case entry.IsDir:
		return utils.EnsureDir(dst)
	case entry.IsSymlink:
		return utils.CopySymlink(src, dst)
	default:
		return utils.CopyFile(src, dst)
	}
}

// populateStaging lays out the archive members under content/: manifest,
// checksum listing, package lists, payload tar, and permission records.
func (o *BackupOrchestrator) populateStaging(ctx context.Context, staging, payloadDir string, manifest *backup.Manifest) error {
	content := stagingContentDir(staging)
	for _, dir := range []string{content, filepath.Join(content, backup.PackagesDir), filepath.Join(content, backup.UserConfigDir)} {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
	}

	if err := manifest.Save(filepath.Join(content, backup.ManifestName)); err != nil {
		return err
	}
	if err := backup.WriteChecksumFile(manifest.FileEntries, filepath.Join(content, backup.ChecksumsName)); err != nil {
		return err
	}
	if err := writePackageLists(filepath.Join(content, backup.PackagesDir), manifest.PackageEntries); err != nil {
		return err
	}

	if o.opts.IncludeConfig {
		payloadPath := filepath.Join(content, filepath.FromSlash(backup.PayloadName))
		if err := o.archiver.CreatePayload(ctx, payloadDir, payloadPath); err != nil {
			return err
		}
	} else {
		// An empty payload keeps the archive structurally complete.
		empty := filepath.Join(staging, "empty-payload")
		if err := utils.EnsureDir(empty); err != nil {
			return err
		}
		if err := o.archiver.CreatePayload(ctx, empty, filepath.Join(content, filepath.FromSlash(backup.PayloadName))); err != nil {
			return err
		}
	}

	records := manifest.FileEntries
	if records == nil {
		records = []permissions.FileEntry{}
	}
	permData, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal permission records: %w", err)
	}
	return os.WriteFile(filepath.Join(content, filepath.FromSlash(backup.PermissionsName)), permData, 0o644)
}

// writePackageLists emits the human-readable package listings alongside the
// full JSON inventory.
func writePackageLists(dir string, packages []pacman.PackageEntry) error {
	var all, explicit, aur strings.Builder
	for _, pkg := range packages {
		line := pkg.Name + " " + pkg.Version + "\n"
		all.WriteString(line)
		if pkg.Explicit {
			if pkg.Source == types.SourceAUR {
				aur.WriteString(line)
			} else {
				explicit.WriteString(line)
			}
		}
	}

	lists := map[string]string{
		"all.txt":      all.String(),
		"explicit.txt": explicit.String(),
		"aur.txt":      aur.String(),
	}
	for name, body := range lists {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return fmt.Errorf("cannot write package list %s: %w", name, err)
		}
	}

	data, err := json.MarshalIndent(packages, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal package inventory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "versions.json"), data, 0o644); err != nil {
		return fmt.Errorf("cannot write package inventory: %w", err)
	}
	return nil
}

func countFiles(entries []permissions.FileEntry) int {
	count := 0
	for _, e := range entries {
		if !e.IsDir {
			count++
		}
	}
	return count
}
