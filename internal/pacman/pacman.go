// Package pacman enumerates installed software through the system package
// manager and reinstalls package sets on a target machine.
package pacman

import (
	"context"
	"fmt"
	"sort"

	"github.com/ahwetekm/bread-backup/internal/types"
)

// PackageEntry describes one installed package in a snapshot.
type PackageEntry struct {
	Name     string              `json:"name"`
	Version  string              `json:"version"`
	Source   types.PackageSource `json:"source"`
	Explicit bool                `json:"explicit"`
}

// Manager is the capability surface of the system package manager.
type Manager interface {
	// Available returns a MissingDependencyError when the manager binary
	// cannot be found.
	Available() error

	// ListInstalled returns every installed package with its version.
	ListInstalled(ctx context.Context) ([]PackageEntry, error)

	// ListExplicit returns the names of explicitly installed packages.
	ListExplicit(ctx context.Context) ([]string, error)

	// ListForeign returns the names of packages absent from the official
	// repositories (AUR and manually built).
	ListForeign(ctx context.Context) ([]string, error)

	// Install installs the named packages in as few batches as possible,
	// tolerating individually missing targets.
	Install(ctx context.Context, names []string) (*InstallResult, error)
}

// AURHelper installs foreign packages through a helper binary.
type AURHelper interface {
	Name() string
	Available() error
	Install(ctx context.Context, names []string) (*InstallResult, error)
}

// InstallResult reports the outcome of one Install call.
type InstallResult struct {
	Installed []string
	// NotFound holds names rejected by the repositories; one
	// PackageNotFoundError per name is in Errors.
	NotFound []string
	Errors   []error
}

// MissingDependencyError reports an external binary the tool needs but could
// not find.
type MissingDependencyError struct {
	Tool     string
	Optional bool
}

func (e *MissingDependencyError) Error() string {
	if e.Optional {
		return fmt.Sprintf("optional tool %q not found in PATH", e.Tool)
	}
	return fmt.Sprintf("required tool %q not found in PATH", e.Tool)
}

// PackageNotFoundError reports a single package absent from every available
// repository.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("package %q not found in any repository", e.Name)
}

// Snapshot collects the full package inventory: every installed package,
// tagged with provenance and install reason. Entries are unique by name and
// sorted.
func Snapshot(ctx context.Context, m Manager) ([]PackageEntry, error) {
	if err := m.Available(); err != nil {
		return nil, err
	}

	installed, err := m.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installed packages: %w", err)
	}
	explicit, err := m.ListExplicit(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing explicit packages: %w", err)
	}
	foreign, err := m.ListForeign(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing foreign packages: %w", err)
	}

	explicitSet := toSet(explicit)
	foreignSet := toSet(foreign)

	seen := make(map[string]struct{}, len(installed))
	entries := make([]PackageEntry, 0, len(installed))
	for _, pkg := range installed {
		if _, dup := seen[pkg.Name]; dup {
			continue
		}
		seen[pkg.Name] = struct{}{}

		pkg.Explicit = explicitSet[pkg.Name]
		pkg.Source = types.SourceOfficial
		if foreignSet[pkg.Name] {
			pkg.Source = types.SourceAUR
		}
		entries = append(entries, pkg)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Diff is the result of comparing a snapshot against a target system.
type Diff struct {
	// ToInstall holds the snapshot's explicit packages missing on the
	// target, provenance preserved.
	ToInstall []PackageEntry

	// AlreadyPresent holds explicit snapshot packages the target has.
	AlreadyPresent []string
}

// ComputeDiff is a pure set operation keyed on package name: explicit
// snapshot entries not in installed go to ToInstall, the rest to
// AlreadyPresent. Order follows the snapshot.
func ComputeDiff(snapshot []PackageEntry, installed []string) Diff {
	present := toSet(installed)

	var d Diff
	for _, pkg := range snapshot {
		if !pkg.Explicit {
			continue
		}
		if present[pkg.Name] {
			d.AlreadyPresent = append(d.AlreadyPresent, pkg.Name)
		} else {
			d.ToInstall = append(d.ToInstall, pkg)
		}
	}
	return d
}

// SplitBySource partitions entries into official and foreign name lists.
func SplitBySource(entries []PackageEntry) (official, aur []string) {
	for _, pkg := range entries {
		if pkg.Source == types.SourceAUR {
			aur = append(aur, pkg.Name)
		} else {
			official = append(official, pkg.Name)
		}
	}
	return official, aur
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
