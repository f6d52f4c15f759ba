package backup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/types"
)

// buildTestArchive assembles a complete archive from a small config tree,
// optionally mutating the staging area before the container is written.
func buildTestArchive(t *testing.T, tamper func(staging string)) string {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	configTree := t.TempDir()
	if err := os.MkdirAll(filepath.Join(configTree, "git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configTree, "git", "config"), []byte("[user]\n\tname = test\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configTree, "starship.toml"), []byte("format = \"$all\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	files := captureTestTree(t, configTree)
	pkgs := []pacman.PackageEntry{
		{Name: "git", Version: "2.46.0-1", Source: types.SourceOfficial, Explicit: true},
	}

	manifest, err := NewBuilder(logger).Build(ctx, configTree, files, pkgs,
		SystemInfo{Hostname: "arch-box", KernelVersion: "6.10.1"}, types.CompressionGzip)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	archiver := NewArchiver(logger, types.CompressionGzip, 0)

	staging := t.TempDir()
	if err := manifest.Save(filepath.Join(staging, ManifestName)); err != nil {
		t.Fatalf("save manifest: %v", err)
	}
	if err := WriteChecksumFile(manifest.FileEntries, filepath.Join(staging, ChecksumsName)); err != nil {
		t.Fatalf("write checksums: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(staging, UserConfigDir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(staging, PackagesDir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := archiver.CreatePayload(ctx, configTree, filepath.Join(staging, filepath.FromSlash(PayloadName))); err != nil {
		t.Fatalf("create payload: %v", err)
	}
	permData, err := json.Marshal(manifest.FileEntries)
	if err != nil {
		t.Fatalf("marshal permissions: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, filepath.FromSlash(PermissionsName)), permData, 0o644); err != nil {
		t.Fatalf("write permissions: %v", err)
	}

	if tamper != nil {
		tamper(staging)
	}

	out := filepath.Join(t.TempDir(), "arch-box-20260830-120000.archive")
	if err := archiver.Create(ctx, staging, out); err != nil {
		t.Fatalf("create archive: %v", err)
	}
	return out
}

func newTestVerifier() *Verifier {
	logger := testLogger()
	return NewVerifier(logger, NewArchiver(logger, types.CompressionGzip, 0))
}

func TestVerifyFreshArchiveOK(t *testing.T) {
	archive := buildTestArchive(t, nil)

	result, err := newTestVerifier().Verify(context.Background(), archive, t.TempDir())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.OK {
		t.Fatalf("fresh archive failed verification: structural=%v mismatches=%v",
			result.Structural, result.Mismatches)
	}
	if result.Manifest == nil || result.Manifest.Hostname != "arch-box" {
		t.Error("manifest not surfaced")
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	archive := buildTestArchive(t, nil)
	v := newTestVerifier()

	first, err := v.Verify(context.Background(), archive, t.TempDir())
	if err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	second, err := v.Verify(context.Background(), archive, t.TempDir())
	if err != nil {
		t.Fatalf("second Verify failed: %v", err)
	}
	if first.OK != second.OK || len(first.Mismatches) != len(second.Mismatches) {
		t.Error("repeated verification gave different results")
	}
}

func TestVerifyDetectsContentMismatch(t *testing.T) {
	archive := buildTestArchive(t, func(staging string) {
		// Re-pack the payload with altered content; the manifest still
		// records the original checksums.
		payloadSrc := filepath.Join(staging, "tampered-src")
		if err := os.MkdirAll(filepath.Join(payloadSrc, "git"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(payloadSrc, "git", "config"), []byte("[user]\n\tname = evil\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.WriteFile(filepath.Join(payloadSrc, "starship.toml"), []byte("format = \"$all\"\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		payload := filepath.Join(staging, filepath.FromSlash(PayloadName))
		os.Remove(payload)
		a := NewArchiver(testLogger(), types.CompressionNone, 0)
		if err := a.CreatePayload(context.Background(), payloadSrc, payload); err != nil {
			t.Fatalf("repack payload: %v", err)
		}
		os.RemoveAll(payloadSrc)
	})

	result, err := newTestVerifier().Verify(context.Background(), archive, t.TempDir())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.OK {
		t.Fatal("tampered archive passed verification")
	}
	if len(result.Structural) != 0 {
		t.Errorf("unexpected structural defects: %v", result.Structural)
	}
	found := false
	for _, m := range result.Mismatches {
		if m.RelativePath == "git/config" {
			found = true
		}
	}
	if !found {
		t.Errorf("mismatch for git/config not reported: %v", result.Mismatches)
	}
}

func TestVerifyDetectsTamperedChecksumListing(t *testing.T) {
	archive := buildTestArchive(t, func(staging string) {
		if err := os.WriteFile(filepath.Join(staging, ChecksumsName), []byte("deadbeef  git/config\n"), 0o644); err != nil {
			t.Fatalf("rewrite checksums: %v", err)
		}
	})

	result, err := newTestVerifier().Verify(context.Background(), archive, t.TempDir())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.OK {
		t.Fatal("archive with tampered checksum listing passed verification")
	}
	var gotDisagreement, gotMissing bool
	for _, m := range result.Mismatches {
		if m.RelativePath == "git/config" && m.Actual == "deadbeef" {
			gotDisagreement = true
		}
		if m.RelativePath == "starship.toml" && m.Actual == "missing from "+ChecksumsName {
			gotMissing = true
		}
	}
	if !gotDisagreement || !gotMissing {
		t.Errorf("listing defects not reported: %v", result.Mismatches)
	}
}

func TestVerifyStructuralDefectShortCircuits(t *testing.T) {
	archive := buildTestArchive(t, func(staging string) {
		os.Remove(filepath.Join(staging, filepath.FromSlash(PayloadName)))
	})

	result, err := newTestVerifier().Verify(context.Background(), archive, t.TempDir())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.OK {
		t.Fatal("archive without payload passed verification")
	}
	if len(result.Structural) == 0 {
		t.Fatal("missing payload not reported as structural")
	}
	if len(result.Mismatches) != 0 {
		t.Error("content verification must not run after structural defects")
	}
}

func TestVerifyMissingDecompressorNotStructural(t *testing.T) {
	// Valid zstd magic, but the host has no zstd binary. The archive must
	// not be reported as corrupt.
	path := filepath.Join(t.TempDir(), "box-20260830-120000.archive")
	if err := os.WriteFile(path, []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00, 0x00, 0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	logger := testLogger()
	archiver := NewArchiverWithDeps(logger, types.CompressionZstd, 0, ArchiverDeps{
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	})

	result, err := NewVerifier(logger, archiver).Verify(context.Background(), path, t.TempDir())
	var missing *pacman.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want *pacman.MissingDependencyError", err)
	}
	if missing.Tool != "zstd" {
		t.Errorf("Tool = %q", missing.Tool)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestVerifyGarbageFileStructural(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.archive")
	if err := os.WriteFile(path, []byte("definitely not a tar stream, just filler bytes here....."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result, err := newTestVerifier().Verify(context.Background(), path, t.TempDir())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.OK || len(result.Structural) == 0 {
		t.Errorf("garbage file must fail structurally: %+v", result)
	}
}
