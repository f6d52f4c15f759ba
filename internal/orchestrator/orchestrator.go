// Package orchestrator drives the end-to-end backup and restore pipelines as
// explicit state machines.
package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"github.com/ahwetekm/bread-backup/internal/backup"
	"github.com/ahwetekm/bread-backup/internal/types"
)

// State names the phase a pipeline is in. Failed is terminal and reachable
// from every non-terminal state.
type State string

const (
	StateIdle               State = "idle"
	StateCollectingPackages State = "collecting-packages"
	StateCollectingFiles    State = "collecting-files"
	StateBuildingManifest   State = "building-manifest"
	StateWritingArchive     State = "writing-archive"
	StateVerifying          State = "verifying"
	StateExtracting         State = "extracting"
	StateRestoringPackages  State = "restoring-packages"
	StateRestoringConfig    State = "restoring-config"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// PipelineError represents a fatal pipeline failure, carrying the phase that
// failed and the exit code to report.
type PipelineError struct {
	Phase State
	Err   error
	Code  types.ExitCode
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func failure(phase State, err error) *PipelineError {
	return &PipelineError{Phase: phase, Err: err, Code: types.ExitFatal}
}

// collectSystemInfo identifies the local machine for the manifest.
func collectSystemInfo() backup.SystemInfo {
	info := backup.SystemInfo{}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}
	if release, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		info.KernelVersion = strings.TrimSpace(string(release))
	}
	return info
}
