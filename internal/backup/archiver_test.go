package backup

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ahwetekm/bread-backup/internal/types"
)

func writeStagingTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink("top.txt", filepath.Join(dir, "alias")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	return dir
}

func roundTrip(t *testing.T, compression types.CompressionType) {
	t.Helper()
	source := writeStagingTree(t)
	out := filepath.Join(t.TempDir(), "x.archive")

	a := NewArchiver(testLogger(), compression, 0)
	if err := a.Create(context.Background(), source, out); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind after success")
	}

	detected, err := DetectCompression(out)
	if err != nil {
		t.Fatalf("DetectCompression failed: %v", err)
	}
	if detected != compression {
		t.Errorf("detected = %s, want %s", detected, compression)
	}

	scratch := t.TempDir()
	if err := a.Extract(context.Background(), out, scratch); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(scratch, "sub", "nested.txt"))
	if err != nil {
		t.Fatalf("read extracted: %v", err)
	}
	if string(data) != "nested" {
		t.Errorf("content = %q", data)
	}
	target, err := os.Readlink(filepath.Join(scratch, "alias"))
	if err != nil || target != "top.txt" {
		t.Errorf("symlink = %q, %v", target, err)
	}
}

func TestRoundTripNone(t *testing.T) { roundTrip(t, types.CompressionNone) }
func TestRoundTripGzip(t *testing.T) { roundTrip(t, types.CompressionGzip) }

func TestCreateRefusesExistingArchive(t *testing.T) {
	source := writeStagingTree(t)
	out := filepath.Join(t.TempDir(), "x.archive")
	if err := os.WriteFile(out, []byte("existing"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	a := NewArchiver(testLogger(), types.CompressionNone, 0)
	err := a.Create(context.Background(), source, out)
	var exists *ArchiveExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected ArchiveExistsError, got %v", err)
	}

	data, _ := os.ReadFile(out)
	if string(data) != "existing" {
		t.Error("existing archive was touched")
	}
}

func TestCreateCancelledLeavesNoPartial(t *testing.T) {
	source := writeStagingTree(t)
	out := filepath.Join(t.TempDir(), "x.archive")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewArchiver(testLogger(), types.CompressionNone, 0)
	if err := a.Create(ctx, source, out); err == nil {
		t.Fatal("expected cancellation error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("cancelled run left an archive at the final name")
	}
	if _, err := os.Stat(out + ".partial"); !os.IsNotExist(err) {
		t.Error("cancelled run left a partial file")
	}
}

func TestMissingCompressorFallsBackToGzip(t *testing.T) {
	deps := defaultArchiverDeps()
	deps.LookPath = func(name string) (string, error) {
		return "", errors.New("not found")
	}
	a := NewArchiverWithDeps(testLogger(), types.CompressionZstd, 0, deps)

	source := writeStagingTree(t)
	out := filepath.Join(t.TempDir(), "x.archive")
	if err := a.Create(context.Background(), source, out); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a.EffectiveCompression() != types.CompressionGzip {
		t.Errorf("effective = %s, want gzip", a.EffectiveCompression())
	}
	if got, _ := DetectCompression(out); got != types.CompressionGzip {
		t.Errorf("detected = %s, want gzip", got)
	}
}

func TestDetectCompressionUnknownMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(path, []byte("this is not an archive at all, not even close......."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := DetectCompression(path)
	var corrupt *CorruptArchiveError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptArchiveError, got %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	// Hand-craft a tar with an entry escaping the extraction root.
	path := filepath.Join(t.TempDir(), "evil.archive")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tw := tar.NewWriter(f)
	content := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{
		Name: "../escape.txt",
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	tw.Close()
	f.Close()

	a := NewArchiver(testLogger(), types.CompressionNone, 0)
	scratch := filepath.Join(t.TempDir(), "scratch")
	err = a.Extract(context.Background(), path, scratch)
	var corrupt *CorruptArchiveError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptArchiveError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(scratch), "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("traversal entry was written outside scratch")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	source := writeStagingTree(t)
	payload := filepath.Join(t.TempDir(), "config.archive-payload")

	a := NewArchiver(testLogger(), types.CompressionNone, 0)
	if err := a.CreatePayload(context.Background(), source, payload); err != nil {
		t.Fatalf("CreatePayload failed: %v", err)
	}

	dest := t.TempDir()
	if err := a.ExtractPayload(context.Background(), payload, dest); err != nil {
		t.Fatalf("ExtractPayload failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "top.txt"))
	if err != nil || string(data) != "top" {
		t.Errorf("payload content = %q, %v", data, err)
	}
}
