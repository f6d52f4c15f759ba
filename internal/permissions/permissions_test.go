package permissions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/types"
)

func testLogger() *logging.Logger {
	return logging.New(types.LogLevelNone, false)
}

func TestCaptureRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.conf")
	if err := os.WriteFile(path, []byte("key=value\n"), 0o640); err != nil {
		t.Fatalf("write file: %v", err)
	}

	entry, err := Capture(path, dir)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if entry.RelativePath != "app.conf" {
		t.Errorf("RelativePath = %s", entry.RelativePath)
	}
	if entry.SizeBytes != 10 {
		t.Errorf("SizeBytes = %d, want 10", entry.SizeBytes)
	}
	if entry.FileMode() != 0o640 {
		t.Errorf("mode = %o, want 640", entry.FileMode())
	}
	if entry.IsSymlink || entry.IsDir {
		t.Error("regular file flagged as symlink or dir")
	}
	if entry.UID != os.Getuid() || entry.GID != os.Getgid() {
		t.Errorf("ownership = %d:%d", entry.UID, entry.GID)
	}
}

func TestCaptureSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink("real", link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	entry, err := Capture(link, dir)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !entry.IsSymlink {
		t.Fatal("symlink not detected")
	}
	if entry.SymlinkTarget != "real" {
		t.Errorf("SymlinkTarget = %s", entry.SymlinkTarget)
	}
	if entry.SizeBytes != 0 {
		t.Errorf("symlink SizeBytes = %d, want 0", entry.SizeBytes)
	}
}

func TestCaptureNestedRelativePath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nvim", "lua")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(sub, "init.lua")
	if err := os.WriteFile(path, []byte("-- init"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entry, err := Capture(path, dir)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if entry.RelativePath != "nvim/lua/init.lua" {
		t.Errorf("RelativePath = %s", entry.RelativePath)
	}
}

// recordingApplier remembers every call in order.
type recordingApplier struct {
	ops     []string
	failOps map[string]error
}

func (a *recordingApplier) call(op, path string) error {
	a.ops = append(a.ops, op+" "+path)
	if a.failOps != nil {
		if err, ok := a.failOps[op+" "+path]; ok {
			return err
		}
	}
	return nil
}

func (a *recordingApplier) Lchown(path string, uid, gid int) error { return a.call("chown", path) }
func (a *recordingApplier) Chmod(path string, mode os.FileMode) error {
	return a.call("chmod", path)
}
func (a *recordingApplier) Chtimes(path string, mtime time.Time) error {
	return a.call("chtimes", path)
}

func entryFor(rel string, dir bool) FileEntry {
	return FileEntry{
		RelativePath: rel,
		Mode:         0o755,
		UID:          os.Getuid(),
		GID:          os.Getgid(),
		ModTime:      time.Now(),
		IsDir:        dir,
	}
}

func TestRestoreTreePostOrder(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "b", "f"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries := []FileEntry{
		entryFor("a", true),
		entryFor("a/b", true),
		entryFor("a/b/f", false),
	}
	applier := &recordingApplier{}
	stats := RestoreTree(entries, root, applier, testLogger())

	if stats.Applied != 3 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// Children must be touched before their parents.
	pos := func(op, rel string) int {
		want := op + " " + filepath.Join(root, filepath.FromSlash(rel))
		for i, got := range applier.ops {
			if got == want {
				return i
			}
		}
		t.Fatalf("op %q %q not recorded", op, rel)
		return -1
	}
	if !(pos("chmod", "a/b/f") < pos("chmod", "a/b") && pos("chmod", "a/b") < pos("chmod", "a")) {
		t.Errorf("not post-order: %v", applier.ops)
	}
}

func TestRestoreTreeSymlinkNotChmodded(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink("target", filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	entries := []FileEntry{{
		RelativePath:  "link",
		Mode:          0o777,
		UID:           os.Getuid(),
		GID:           os.Getgid(),
		ModTime:       time.Now(),
		IsSymlink:     true,
		SymlinkTarget: "target",
	}}
	applier := &recordingApplier{}
	stats := RestoreTree(entries, root, applier, testLogger())

	if stats.Applied != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, op := range applier.ops {
		if op[:5] == "chmod" || op[:7] == "chtimes" {
			t.Errorf("symlink received %s", op)
		}
	}
	if len(applier.ops) != 1 {
		t.Errorf("expected ownership only, got %v", applier.ops)
	}
}

func TestRestoreTreeMissingPathSkipped(t *testing.T) {
	root := t.TempDir()
	entries := []FileEntry{entryFor("ghost.conf", false)}
	applier := &recordingApplier{}
	stats := RestoreTree(entries, root, applier, testLogger())

	if stats.Skipped != 1 || stats.Applied != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(applier.ops) != 0 {
		t.Errorf("no ops expected for missing path, got %v", applier.ops)
	}
}

func TestRestoreTreeFailuresDoNotAbort(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"one", "two"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	applier := &recordingApplier{
		failOps: map[string]error{
			"chown " + filepath.Join(root, "one"): errors.New("operation not permitted"),
		},
	}
	entries := []FileEntry{entryFor("one", false), entryFor("two", false)}
	stats := RestoreTree(entries, root, applier, testLogger())

	if stats.Failed != 1 || stats.Applied != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Failures) != 1 {
		t.Fatalf("failures = %v", stats.Failures)
	}
	var rerr *RestoreError
	if !errors.As(stats.Failures[0], &rerr) || rerr.Op != "chown" {
		t.Errorf("unexpected failure record: %v", stats.Failures[0])
	}
}

func TestRestoreTreeRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	entries := []FileEntry{entryFor("../outside", false)}
	applier := &recordingApplier{}
	stats := RestoreTree(entries, root, applier, testLogger())

	if stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(applier.ops) != 0 {
		t.Errorf("traversal entry must not be touched: %v", applier.ops)
	}
}
