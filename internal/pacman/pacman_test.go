package pacman

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/types"
)

func testLogger() *logging.Logger {
	return logging.New(types.LogLevelNone, false)
}

// fakeRunner scripts subprocess responses per command line.
type fakeRunner struct {
	lookPathErr map[string]error
	responses   map[string]fakeResponse
	calls       []string
}

type fakeResponse struct {
	out string
	err error
}

func (f *fakeRunner) deps() Deps {
	return Deps{
		LookPath: func(name string) (string, error) {
			if err, ok := f.lookPathErr[name]; ok {
				return "", err
			}
			return "/usr/bin/" + name, nil
		},
		RunCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := name + " " + strings.Join(args, " ")
			f.calls = append(f.calls, cmd)
			if resp, ok := f.responses[cmd]; ok {
				return []byte(resp.out), resp.err
			}
			return nil, fmt.Errorf("unexpected command: %s", cmd)
		},
	}
}

func newFakeManager(f *fakeRunner) *SystemManager {
	return NewSystemManagerWithDeps(testLogger(), time.Minute, f.deps())
}

func TestSnapshotTagsProvenance(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]fakeResponse{
			"pacman -Q":  {out: "bash 5.2.026-2\nvim 9.1.0-1\nyay 12.3.5-1\nglibc 2.39-4\n"},
			"pacman -Qe": {out: "vim 9.1.0-1\nyay 12.3.5-1\n"},
			"pacman -Qm": {out: "yay 12.3.5-1\n"},
		},
	}
	snap, err := Snapshot(context.Background(), newFakeManager(f))
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap) != 4 {
		t.Fatalf("snapshot size = %d, want 4", len(snap))
	}

	byName := make(map[string]PackageEntry)
	for _, pkg := range snap {
		byName[pkg.Name] = pkg
	}
	if pkg := byName["vim"]; !pkg.Explicit || pkg.Source != types.SourceOfficial {
		t.Errorf("vim = %+v", pkg)
	}
	if pkg := byName["yay"]; !pkg.Explicit || pkg.Source != types.SourceAUR {
		t.Errorf("yay = %+v", pkg)
	}
	if pkg := byName["glibc"]; pkg.Explicit {
		t.Errorf("glibc should be a dependency: %+v", pkg)
	}
	if byName["bash"].Version != "5.2.026-2" {
		t.Errorf("bash version = %s", byName["bash"].Version)
	}

	// Sorted by name.
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Name >= snap[i].Name {
			t.Errorf("snapshot not sorted at %d: %s >= %s", i, snap[i-1].Name, snap[i].Name)
		}
	}
}

func TestSnapshotMissingPacmanFatal(t *testing.T) {
	f := &fakeRunner{
		lookPathErr: map[string]error{"pacman": errors.New("not found")},
	}
	_, err := Snapshot(context.Background(), newFakeManager(f))
	var merr *MissingDependencyError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingDependencyError, got %v", err)
	}
	if merr.Tool != "pacman" || merr.Optional {
		t.Errorf("unexpected error: %+v", merr)
	}
}

func TestListForeignEmptyNotAnError(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]fakeResponse{
			"pacman -Qm": {out: "", err: errors.New("exit status 1")},
		},
	}
	names, err := newFakeManager(f).ListForeign(context.Background())
	if err != nil {
		t.Fatalf("empty -Qm must not fail: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("names = %v", names)
	}
}

func TestComputeDiff(t *testing.T) {
	snap := []PackageEntry{
		{Name: "vim", Explicit: true},
		{Name: "git", Explicit: true},
		{Name: "yay-pkg", Explicit: true, Source: types.SourceAUR},
		{Name: "glibc", Explicit: false},
	}
	d := ComputeDiff(snap, []string{"git", "glibc"})

	if len(d.ToInstall) != 2 {
		t.Fatalf("ToInstall = %v", d.ToInstall)
	}
	if d.ToInstall[0].Name != "vim" || d.ToInstall[1].Name != "yay-pkg" {
		t.Errorf("ToInstall order = %v", d.ToInstall)
	}
	if len(d.AlreadyPresent) != 1 || d.AlreadyPresent[0] != "git" {
		t.Errorf("AlreadyPresent = %v", d.AlreadyPresent)
	}
}

func TestSplitBySource(t *testing.T) {
	official, aur := SplitBySource([]PackageEntry{
		{Name: "vim", Source: types.SourceOfficial},
		{Name: "spotify", Source: types.SourceAUR},
		{Name: "git", Source: types.SourceOfficial},
	})
	if len(official) != 2 || len(aur) != 1 || aur[0] != "spotify" {
		t.Errorf("official=%v aur=%v", official, aur)
	}
}

func TestInstallRetriesWithoutMissingTargets(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]fakeResponse{
			"pacman -S --needed --noconfirm vim ghost git": {
				out: "error: target not found: ghost\n",
				err: errors.New("exit status 1"),
			},
			"pacman -S --needed --noconfirm vim git": {out: "installing...\n"},
		},
	}
	result, err := newFakeManager(f).Install(context.Background(), []string{"vim", "ghost", "git"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if len(result.Installed) != 2 {
		t.Errorf("Installed = %v", result.Installed)
	}
	if len(result.NotFound) != 1 || result.NotFound[0] != "ghost" {
		t.Errorf("NotFound = %v", result.NotFound)
	}
	var perr *PackageNotFoundError
	if len(result.Errors) != 1 || !errors.As(result.Errors[0], &perr) || perr.Name != "ghost" {
		t.Errorf("Errors = %v", result.Errors)
	}
	if len(f.calls) != 2 {
		t.Errorf("calls = %v", f.calls)
	}
}

func TestInstallUnrelatedFailureSurfaces(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]fakeResponse{
			"pacman -S --needed --noconfirm vim": {
				out: "error: failed to synchronize all databases\n",
				err: errors.New("exit status 1"),
			},
		},
	}
	_, err := newFakeManager(f).Install(context.Background(), []string{"vim"})
	if err == nil {
		t.Fatal("expected error for unrelated failure")
	}
	if !strings.Contains(err.Error(), "synchronize") {
		t.Errorf("error lost pacman output: %v", err)
	}
}

func TestHelperInstall(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]fakeResponse{
			"yay -S --needed --noconfirm spotify": {out: "ok\n"},
		},
	}
	h := NewHelperWithDeps("yay", testLogger(), time.Minute, f.deps())
	if err := h.Available(); err != nil {
		t.Fatalf("helper should be available: %v", err)
	}
	result, err := h.Install(context.Background(), []string{"spotify"})
	if err != nil {
		t.Fatalf("helper install failed: %v", err)
	}
	if len(result.Installed) != 1 {
		t.Errorf("Installed = %v", result.Installed)
	}
}

func TestHelperMissingIsOptional(t *testing.T) {
	f := &fakeRunner{
		lookPathErr: map[string]error{"yay": errors.New("not found")},
	}
	h := NewHelperWithDeps("yay", testLogger(), time.Minute, f.deps())
	err := h.Available()
	var merr *MissingDependencyError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingDependencyError, got %v", err)
	}
	if !merr.Optional {
		t.Error("AUR helper absence must be optional")
	}
}
