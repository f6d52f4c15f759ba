package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ahwetekm/bread-backup/internal/backup"
	"github.com/ahwetekm/bread-backup/internal/config"
	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/permissions"
	"github.com/ahwetekm/bread-backup/internal/storage"
	"github.com/ahwetekm/bread-backup/internal/types"
	"github.com/ahwetekm/bread-backup/pkg/utils"
)

// Selection picks which archive components a restore run applies.
type Selection struct {
	Packages bool
	Config   bool
}

// RestorePlan is the computed set of actions a restore will perform. It is
// built before anything is touched so dry runs and real runs share the same
// decision path.
type RestorePlan struct {
	InstallOfficial []string
	InstallAUR      []string
	AlreadyPresent  []string
	ConfigEntries   []permissions.FileEntry
	TargetRoot      string
	DryRun          bool
}

// PlanRestore computes the plan from the manifest and the target system's
// installed package names. It performs no I/O.
func PlanRestore(manifest *backup.Manifest, sel Selection, installed []string, targetRoot string, dryRun bool) RestorePlan {
	plan := RestorePlan{TargetRoot: targetRoot, DryRun: dryRun}

	if sel.Packages {
		diff := pacman.ComputeDiff(manifest.PackageEntries, installed)
		plan.InstallOfficial, plan.InstallAUR = pacman.SplitBySource(diff.ToInstall)
		plan.AlreadyPresent = diff.AlreadyPresent
	}
	if sel.Config {
		plan.ConfigEntries = manifest.FileEntries
	}
	return plan
}

// Executor performs the mutating half of a restore. The dry-run variant
// implements the same interface so selection and ordering cannot drift
// between preview and execution.
type Executor interface {
	InstallOfficial(ctx context.Context, names []string) (*pacman.InstallResult, error)
	InstallAUR(ctx context.Context, names []string) (*pacman.InstallResult, error)
	PlaceFile(src, dst string, entry permissions.FileEntry) error
	Applier() permissions.Applier
}

type realExecutor struct {
	manager pacman.Manager
	helper  pacman.AURHelper
}

func (e *realExecutor) InstallOfficial(ctx context.Context, names []string) (*pacman.InstallResult, error) {
	return e.manager.Install(ctx, names)
}

func (e *realExecutor) InstallAUR(ctx context.Context, names []string) (*pacman.InstallResult, error) {
	return e.helper.Install(ctx, names)
}

func (e *realExecutor) PlaceFile(src, dst string, entry permissions.FileEntry) error {
	switch {
	case entry.IsDir:
		return utils.EnsureDir(dst)
	case entry.IsSymlink:
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		return os.Symlink(entry.SymlinkTarget, dst)
	default:
		return utils.CopyFile(src, dst)
	}
}

func (e *realExecutor) Applier() permissions.Applier { return permissions.OSApplier{} }

type dryRunExecutor struct {
	logger *logging.Logger
}

func (e *dryRunExecutor) InstallOfficial(ctx context.Context, names []string) (*pacman.InstallResult, error) {
	e.logger.DryRun("Would install %d official packages", len(names))
	return &pacman.InstallResult{Installed: names}, nil
}

func (e *dryRunExecutor) InstallAUR(ctx context.Context, names []string) (*pacman.InstallResult, error) {
	e.logger.DryRun("Would install %d AUR packages", len(names))
	return &pacman.InstallResult{Installed: names}, nil
}

func (e *dryRunExecutor) PlaceFile(src, dst string, entry permissions.FileEntry) error {
	e.logger.DryRun("Would place %s", dst)
	return nil
}

func (e *dryRunExecutor) Applier() permissions.Applier { return noopApplier{} }

type noopApplier struct{}

func (noopApplier) Lchown(string, int, int) error   { return nil }
func (noopApplier) Chmod(string, os.FileMode) error { return nil }
func (noopApplier) Chtimes(string, time.Time) error { return nil }

// RestoreSummary is the externally observable result of a restore run.
type RestoreSummary struct {
	State             State
	ArchivePath       string
	StartTime         time.Time
	EndTime           time.Time
	Manifest          *backup.Manifest
	PackagesInstalled int
	PackagesPresent   int
	PackagesNotFound  []string
	AURSkipped        int
	FilesRestored     int
	FilesFailed       int
	PermissionStats   permissions.RestoreStats
	DryRun            bool
}

// ExitCode maps the run outcome onto the process exit convention: any
// partial failure (missing packages, unplaceable files, failing metadata
// operations) degrades success to partial.
func (s *RestoreSummary) ExitCode() types.ExitCode {
	if s.State != StateDone {
		return types.ExitFatal
	}
	if len(s.PackagesNotFound) > 0 || s.AURSkipped > 0 || s.FilesFailed > 0 || s.PermissionStats.Failed > 0 {
		return types.ExitPartial
	}
	return types.ExitSuccess
}

// RestoreOrchestrator owns one restore pipeline run.
type RestoreOrchestrator struct {
	logger     *logging.Logger
	cfg        config.Config
	sel        Selection
	manager    pacman.Manager
	helper     pacman.AURHelper
	archiver   *backup.Archiver
	store      storage.Storage
	targetRoot string
	dryRun     bool
	state      State
}

// NewRestoreOrchestrator wires a restore pipeline. targetRoot overrides the
// configured destination when non-empty.
func NewRestoreOrchestrator(logger *logging.Logger, cfg config.Config, sel Selection, manager pacman.Manager, helper pacman.AURHelper, store storage.Storage, targetRoot string, dryRun bool) (*RestoreOrchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if targetRoot == "" {
		var err error
		targetRoot, err = cfg.SourceDir()
		if err != nil {
			return nil, err
		}
	}

	return &RestoreOrchestrator{
		logger:     logger,
		cfg:        cfg,
		sel:        sel,
		manager:    manager,
		helper:     helper,
		archiver:   backup.NewArchiver(logger, cfg.Compression, cfg.CompressionLevel),
		store:      store,
		targetRoot: targetRoot,
		dryRun:     dryRun,
		state:      StateIdle,
	}, nil
}

// State returns the phase the pipeline last entered.
func (o *RestoreOrchestrator) State() State {
	return o.state
}

func (o *RestoreOrchestrator) enter(state State) {
	o.logger.Debug("Restore state: %s -> %s", o.state, state)
	o.state = state
}

// Run verifies the named archive, extracts it, and applies the selected
// components. A failed verification aborts before anything is touched.
func (o *RestoreOrchestrator) Run(ctx context.Context, archiveName string) (*RestoreSummary, error) {
	summary := &RestoreSummary{
		State:     StateFailed,
		StartTime: time.Now(),
		DryRun:    o.dryRun,
	}
	defer func() {
		summary.EndTime = time.Now()
		summary.State = o.state
	}()

	archivePath, err := o.store.Open(ctx, archiveName)
	if err != nil {
		o.enter(StateFailed)
		return summary, failure(StateIdle, err)
	}
	summary.ArchivePath = archivePath

	scratch, err := os.MkdirTemp("", "bread-backup-restore-*")
	if err != nil {
		o.enter(StateFailed)
		return summary, failure(StateIdle, fmt.Errorf("cannot create scratch directory: %w", err))
	}
	defer os.RemoveAll(scratch)

	o.enter(StateVerifying)
	o.logger.Step("Verifying %s", filepath.Base(archivePath))
	verifier := backup.NewVerifier(o.logger, o.archiver)
	result, err := verifier.Verify(ctx, archivePath, scratch)
	if err != nil {
		o.enter(StateFailed)
		return summary, failure(StateVerifying, err)
	}
	if len(result.Structural) > 0 {
		o.enter(StateFailed)
		return summary, failure(StateVerifying, &backup.CorruptArchiveError{
			Path:   archivePath,
			Reason: result.Structural[0],
		})
	}
	if !result.OK {
		o.enter(StateFailed)
		for _, m := range result.Mismatches {
			o.logger.Error("Integrity failure: %s", m)
		}
		return summary, failure(StateVerifying, fmt.Errorf("archive failed verification with %d mismatched files", len(result.Mismatches)))
	}
	manifest := result.Manifest
	summary.Manifest = manifest
	o.logger.Info("Archive from %s, created %s, %d packages, %d files",
		manifest.Hostname, manifest.CreatedAt.Local().Format(time.RFC1123),
		len(manifest.PackageEntries), len(manifest.FileEntries))

	o.enter(StateExtracting)
	payloadDir := filepath.Join(scratch, "payload")
	if o.sel.Config {
		payloadSrc := filepath.Join(scratch, filepath.FromSlash(backup.PayloadName))
		if err := o.archiver.ExtractPayload(ctx, payloadSrc, payloadDir); err != nil {
			o.enter(StateFailed)
			return summary, failure(StateExtracting, err)
		}
	}

	var installed []string
	if o.sel.Packages {
		if err := o.manager.Available(); err != nil {
			o.enter(StateFailed)
			return summary, failure(StateRestoringPackages, err)
		}
		current, err := o.manager.ListInstalled(ctx)
		if err != nil {
			o.enter(StateFailed)
			return summary, failure(StateRestoringPackages, err)
		}
		for _, pkg := range current {
			installed = append(installed, pkg.Name)
		}
	}

	plan := PlanRestore(manifest, o.sel, installed, o.targetRoot, o.dryRun)
	exec := o.executor()

	if o.sel.Packages {
		o.enter(StateRestoringPackages)
		if err := o.restorePackages(ctx, plan, exec, summary); err != nil {
			o.enter(StateFailed)
			return summary, failure(StateRestoringPackages, err)
		}
	}

	if o.sel.Config {
		o.enter(StateRestoringConfig)
		o.restoreConfig(ctx, plan, payloadDir, exec, summary)
		if err := ctx.Err(); err != nil {
			o.enter(StateFailed)
			return summary, failure(StateRestoringConfig, err)
		}
	}

	o.enter(StateDone)
	o.logger.Step("Restore complete: %d packages installed, %d files restored",
		summary.PackagesInstalled, summary.FilesRestored)
	return summary, nil
}

func (o *RestoreOrchestrator) executor() Executor {
	if o.dryRun {
		return &dryRunExecutor{logger: o.logger}
	}
	return &realExecutor{manager: o.manager, helper: o.helper}
}

// restorePackages installs the planned package sets. Missing packages are
// collected, not fatal; an unavailable AUR helper skips the whole foreign
// set with a single warning.
func (o *RestoreOrchestrator) restorePackages(ctx context.Context, plan RestorePlan, exec Executor, summary *RestoreSummary) error {
	summary.PackagesPresent = len(plan.AlreadyPresent)
	if len(plan.AlreadyPresent) > 0 {
		o.logger.Skip("%d packages already installed", len(plan.AlreadyPresent))
	}

	if len(plan.InstallOfficial) > 0 {
		o.logger.Step("Installing %d official packages", len(plan.InstallOfficial))
		result, err := exec.InstallOfficial(ctx, plan.InstallOfficial)
		if err != nil {
			return err
		}
		summary.PackagesInstalled += len(result.Installed)
		summary.PackagesNotFound = append(summary.PackagesNotFound, result.NotFound...)
		for _, name := range result.NotFound {
			o.logger.Warning("Package not found in repositories: %s", name)
		}
	}

	if len(plan.InstallAUR) > 0 {
		if !o.dryRun {
			if err := o.helper.Available(); err != nil {
				o.logger.Warning("AUR helper %s unavailable, skipping %d AUR packages: %v",
					o.helper.Name(), len(plan.InstallAUR), err)
				summary.AURSkipped = len(plan.InstallAUR)
				return nil
			}
		}
		o.logger.Step("Installing %d AUR packages", len(plan.InstallAUR))
		result, err := exec.InstallAUR(ctx, plan.InstallAUR)
		if err != nil {
			return err
		}
		summary.PackagesInstalled += len(result.Installed)
		summary.PackagesNotFound = append(summary.PackagesNotFound, result.NotFound...)
		for _, name := range result.NotFound {
			o.logger.Warning("Package not found via %s: %s", o.helper.Name(), name)
		}
	}
	return nil
}

// restoreConfig places files under the target root, then applies recorded
// ownership, mode, and timestamps bottom-up. Individual failures are logged
// and counted, never fatal.
func (o *RestoreOrchestrator) restoreConfig(ctx context.Context, plan RestorePlan, payloadDir string, exec Executor, summary *RestoreSummary) {
	o.logger.Step("Restoring %d configuration entries to %s", len(plan.ConfigEntries), plan.TargetRoot)
	if !plan.DryRun {
		if err := utils.EnsureDir(plan.TargetRoot); err != nil {
			o.logger.Error("Cannot create target root %s: %v", plan.TargetRoot, err)
			summary.FilesFailed += len(plan.ConfigEntries)
			return
		}
	}

	for _, entry := range plan.ConfigEntries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rel := filepath.FromSlash(entry.RelativePath)
		src := filepath.Join(payloadDir, rel)
		dst := filepath.Join(plan.TargetRoot, rel)
		if err := exec.PlaceFile(src, dst, entry); err != nil {
			o.logger.Warning("Cannot restore %s: %v", entry.RelativePath, err)
			summary.FilesFailed++
			continue
		}
		if !entry.IsDir {
			summary.FilesRestored++
		}
	}

	summary.PermissionStats = permissions.RestoreTree(plan.ConfigEntries, plan.TargetRoot, exec.Applier(), o.logger)
}
