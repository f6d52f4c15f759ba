package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
)

// Mismatch reports one file whose content no longer matches its recorded
// checksum.
type Mismatch struct {
	RelativePath string
	Expected     string
	Actual       string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: expected %s, got %s", m.RelativePath, m.Expected, m.Actual)
}

// VerifyResult is the outcome of one archive verification.
type VerifyResult struct {
	// OK is true when no structural defects and no mismatches were found.
	OK bool

	// Structural lists defects that make the archive untrustworthy:
	// missing manifest, missing payload, unsupported format version.
	// Any structural defect short-circuits content verification.
	Structural []string

	// Mismatches lists per-file checksum failures.
	Mismatches []Mismatch

	// Manifest is the parsed manifest when it could be read.
	Manifest *Manifest
}

// Verifier checks archives for structural and content integrity. It is
// strictly read-only: repeated runs on an unchanged archive yield identical
// results.
type Verifier struct {
	logger   *logging.Logger
	archiver *Archiver
}

// NewVerifier creates a verifier extracting through the given archiver.
func NewVerifier(logger *logging.Logger, archiver *Archiver) *Verifier {
	return &Verifier{logger: logger, archiver: archiver}
}

// Verify extracts the archive into scratchDir and checks it: structure
// first, then every recorded checksum plus the aggregate top-level checksum.
// The archive itself is never modified.
func (v *Verifier) Verify(ctx context.Context, archivePath, scratchDir string) (*VerifyResult, error) {
	result := &VerifyResult{}

	if err := v.archiver.Extract(ctx, archivePath, scratchDir); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A missing decompressor says nothing about the archive; surface
		// the tool problem instead of condemning the archive.
		var missing *pacman.MissingDependencyError
		if errors.As(err, &missing) {
			return nil, err
		}
		result.Structural = append(result.Structural, fmt.Sprintf("extraction failed: %v", err))
		return result, nil
	}

	manifestPath := filepath.Join(scratchDir, ManifestName)
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		result.Structural = append(result.Structural, fmt.Sprintf("manifest: %v", err))
		return result, nil
	}
	result.Manifest = manifest

	for _, required := range []string{ChecksumsName, PayloadName, PermissionsName} {
		if _, err := os.Lstat(filepath.Join(scratchDir, filepath.FromSlash(required))); err != nil {
			result.Structural = append(result.Structural, fmt.Sprintf("missing archive member: %s", required))
		}
	}
	if len(result.Structural) > 0 {
		return result, nil
	}

	// The flat listing and the manifest record the same checksums twice;
	// any disagreement between them means one of the two was altered.
	sums, err := ParseChecksumFile(filepath.Join(scratchDir, filepath.FromSlash(ChecksumsName)))
	if err != nil {
		result.Structural = append(result.Structural, fmt.Sprintf("checksum listing: %v", err))
		return result, nil
	}
	for _, entry := range manifest.FileEntries {
		if entry.Checksum == "" {
			continue
		}
		recorded, ok := sums[entry.RelativePath]
		if !ok {
			result.Mismatches = append(result.Mismatches, Mismatch{
				RelativePath: entry.RelativePath,
				Expected:     entry.Checksum,
				Actual:       "missing from " + ChecksumsName,
			})
			continue
		}
		if recorded != entry.Checksum {
			v.logger.Warning("Checksum listing disagrees with manifest for %s", entry.RelativePath)
			result.Mismatches = append(result.Mismatches, Mismatch{
				RelativePath: entry.RelativePath,
				Expected:     entry.Checksum,
				Actual:       recorded,
			})
		}
		delete(sums, entry.RelativePath)
	}
	extra := make([]string, 0, len(sums))
	for path := range sums {
		extra = append(extra, path)
	}
	sort.Strings(extra)
	for _, path := range extra {
		result.Mismatches = append(result.Mismatches, Mismatch{
			RelativePath: path,
			Expected:     "absent from manifest",
			Actual:       sums[path],
		})
	}

	// Structure is sound; recompute content checksums against the
	// extracted payload.
	payloadDir := filepath.Join(scratchDir, "payload-verify")
	if err := v.archiver.ExtractPayload(ctx, filepath.Join(scratchDir, filepath.FromSlash(PayloadName)), payloadDir); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.Structural = append(result.Structural, fmt.Sprintf("payload: %v", err))
		return result, nil
	}

	for _, entry := range manifest.FileEntries {
		if entry.IsDir || entry.IsSymlink {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		path := filepath.Join(payloadDir, filepath.FromSlash(entry.RelativePath))
		actual, err := GenerateChecksum(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.Mismatches = append(result.Mismatches, Mismatch{
				RelativePath: entry.RelativePath,
				Expected:     entry.Checksum,
				Actual:       "unreadable",
			})
			continue
		}
		if actual != entry.Checksum {
			v.logger.Warning("Checksum mismatch for %s", entry.RelativePath)
			result.Mismatches = append(result.Mismatches, Mismatch{
				RelativePath: entry.RelativePath,
				Expected:     entry.Checksum,
				Actual:       actual,
			})
		}
	}

	if top := ComputeTopChecksum(manifest.FileEntries, manifest.PackageEntries); top != manifest.TopChecksum {
		result.Mismatches = append(result.Mismatches, Mismatch{
			RelativePath: "(top-level)",
			Expected:     manifest.TopChecksum,
			Actual:       top,
		})
	}

	result.OK = len(result.Mismatches) == 0
	return result, nil
}
