package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/permissions"
	"github.com/ahwetekm/bread-backup/internal/types"
)

func testLogger() *logging.Logger {
	return logging.New(types.LogLevelNone, false)
}

func TestGenerateChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sum, err := GenerateChecksum(context.Background(), path)
	if err != nil {
		t.Fatalf("GenerateChecksum failed: %v", err)
	}
	// sha256 of "hello\n"
	want := "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	if sum != want {
		t.Errorf("checksum = %s, want %s", sum, want)
	}
}

func TestGenerateChecksumMissingFile(t *testing.T) {
	_, err := GenerateChecksum(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestChecksumEntriesSkipsDirsAndSymlinks(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "f"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries := []permissions.FileEntry{
		{RelativePath: "sub", IsDir: true},
		{RelativePath: "sub/f"},
		{RelativePath: "link", IsSymlink: true, SymlinkTarget: "sub/f"},
	}
	if err := ChecksumEntries(context.Background(), testLogger(), root, entries); err != nil {
		t.Fatalf("ChecksumEntries failed: %v", err)
	}
	if entries[0].Checksum != "" || entries[2].Checksum != "" {
		t.Error("dir/symlink entries must not receive checksums")
	}
	if entries[1].Checksum == "" {
		t.Error("file entry missing checksum")
	}
}

func TestComputeTopChecksumOrderIndependent(t *testing.T) {
	files := []permissions.FileEntry{
		{RelativePath: "b", Checksum: "bbb"},
		{RelativePath: "a", Checksum: "aaa"},
	}
	pkgs := []pacman.PackageEntry{
		{Name: "zsh", Version: "1"},
		{Name: "bash", Version: "2"},
	}
	first := ComputeTopChecksum(files, pkgs)

	files[0], files[1] = files[1], files[0]
	pkgs[0], pkgs[1] = pkgs[1], pkgs[0]
	second := ComputeTopChecksum(files, pkgs)

	if first != second {
		t.Error("top checksum must not depend on enumeration order")
	}

	pkgs[0].Version = "3"
	if ComputeTopChecksum(files, pkgs) == first {
		t.Error("top checksum must change when an entry changes")
	}
}

func TestChecksumFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ChecksumsName)
	entries := []permissions.FileEntry{
		{RelativePath: "a/b.conf", Checksum: "abc123"},
		{RelativePath: "c.txt", Checksum: "def456"},
		{RelativePath: "d", IsDir: true},
	}
	if err := WriteChecksumFile(entries, path); err != nil {
		t.Fatalf("WriteChecksumFile failed: %v", err)
	}

	sums, err := ParseChecksumFile(path)
	if err != nil {
		t.Fatalf("ParseChecksumFile failed: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("sums = %v", sums)
	}
	if sums["a/b.conf"] != "abc123" || sums["c.txt"] != "def456" {
		t.Errorf("sums = %v", sums)
	}
}
