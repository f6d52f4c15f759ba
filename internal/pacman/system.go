package pacman

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/ahwetekm/bread-backup/internal/logging"
)

// Deps carries the external calls the manager makes, overridable in tests.
type Deps struct {
	LookPath   func(string) (string, error)
	RunCommand func(context.Context, string, ...string) ([]byte, error)
}

func defaultDeps() Deps {
	return Deps{
		LookPath: exec.LookPath,
		RunCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

var targetNotFoundRe = regexp.MustCompile(`(?m)target not found: (\S+)`)

// SystemManager drives the pacman binary. Every subprocess is bounded by the
// configured timeout.
type SystemManager struct {
	logger  *logging.Logger
	timeout time.Duration
	deps    Deps
}

// NewSystemManager creates a manager using the real pacman binary.
func NewSystemManager(logger *logging.Logger, timeout time.Duration) *SystemManager {
	return NewSystemManagerWithDeps(logger, timeout, defaultDeps())
}

// NewSystemManagerWithDeps creates a manager with explicit dependency
// overrides (for testing).
func NewSystemManagerWithDeps(logger *logging.Logger, timeout time.Duration, deps Deps) *SystemManager {
	return &SystemManager{logger: logger, timeout: timeout, deps: deps}
}

func (m *SystemManager) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return m.deps.RunCommand(ctx, name, args...)
}

func (m *SystemManager) Available() error {
	if _, err := m.deps.LookPath("pacman"); err != nil {
		return &MissingDependencyError{Tool: "pacman"}
	}
	return nil
}

func (m *SystemManager) ListInstalled(ctx context.Context) ([]PackageEntry, error) {
	out, err := m.run(ctx, "pacman", "-Q")
	if err != nil {
		return nil, fmt.Errorf("pacman -Q: %w", err)
	}
	return parseNameVersion(out), nil
}

func (m *SystemManager) ListExplicit(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, "pacman", "-Qe")
	if err != nil {
		return nil, fmt.Errorf("pacman -Qe: %w", err)
	}
	return parseNames(out), nil
}

func (m *SystemManager) ListForeign(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, "pacman", "-Qm")
	if err != nil {
		// pacman -Qm exits non-zero when no foreign packages exist.
		if len(parseNames(out)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("pacman -Qm: %w", err)
	}
	return parseNames(out), nil
}

// Install installs names in one batch. When pacman rejects targets, the
// missing names are dropped and the remaining batch is retried, so one
// unavailable package cannot sink the whole set.
func (m *SystemManager) Install(ctx context.Context, names []string) (*InstallResult, error) {
	return installBatch(ctx, names, func(ctx context.Context, batch []string) ([]byte, error) {
		args := append([]string{"-S", "--needed", "--noconfirm"}, batch...)
		return m.run(ctx, "pacman", args...)
	})
}

// installBatch runs one install attempt and retries without the targets the
// package manager reported missing.
func installBatch(ctx context.Context, names []string, run func(context.Context, []string) ([]byte, error)) (*InstallResult, error) {
	result := &InstallResult{}
	remaining := append([]string(nil), names...)

	// Each retry removes at least one name, so the loop is bounded.
	for len(remaining) > 0 {
		out, err := run(ctx, remaining)
		if err == nil {
			result.Installed = append(result.Installed, remaining...)
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		missing := targetNotFoundRe.FindAllSubmatch(out, -1)
		if len(missing) == 0 {
			return result, fmt.Errorf("package install failed: %w: %s", err, firstLines(out, 3))
		}

		missingSet := make(map[string]bool, len(missing))
		for _, match := range missing {
			name := string(match[1])
			if missingSet[name] {
				continue
			}
			missingSet[name] = true
			result.NotFound = append(result.NotFound, name)
			result.Errors = append(result.Errors, &PackageNotFoundError{Name: name})
		}

		next := remaining[:0]
		for _, name := range remaining {
			if !missingSet[name] {
				next = append(next, name)
			}
		}
		if len(next) == len(remaining) {
			// Reported targets were not in our batch; bail out rather
			// than loop.
			return result, fmt.Errorf("package install failed: %w: %s", err, firstLines(out, 3))
		}
		remaining = next
	}
	return result, nil
}

// Helper drives an AUR helper binary such as yay or paru.
type Helper struct {
	name    string
	logger  *logging.Logger
	timeout time.Duration
	deps    Deps
}

// NewHelper creates an AUR helper wrapper around the named binary.
func NewHelper(name string, logger *logging.Logger, timeout time.Duration) *Helper {
	return NewHelperWithDeps(name, logger, timeout, defaultDeps())
}

// NewHelperWithDeps creates a helper with explicit dependency overrides.
func NewHelperWithDeps(name string, logger *logging.Logger, timeout time.Duration, deps Deps) *Helper {
	return &Helper{name: name, logger: logger, timeout: timeout, deps: deps}
}

func (h *Helper) Name() string { return h.name }

func (h *Helper) Available() error {
	if _, err := h.deps.LookPath(h.name); err != nil {
		return &MissingDependencyError{Tool: h.name, Optional: true}
	}
	return nil
}

func (h *Helper) Install(ctx context.Context, names []string) (*InstallResult, error) {
	return installBatch(ctx, names, func(ctx context.Context, batch []string) ([]byte, error) {
		runCtx := ctx
		if h.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
		args := append([]string{"-S", "--needed", "--noconfirm"}, batch...)
		return h.deps.RunCommand(runCtx, h.name, args...)
	})
}

func parseNameVersion(out []byte) []PackageEntry {
	var entries []PackageEntry
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, PackageEntry{Name: fields[0], Version: fields[1]})
	}
	return entries
}

func parseNames(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return names
}

func firstLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " | ")
}
