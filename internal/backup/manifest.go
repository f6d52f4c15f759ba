package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/permissions"
	"github.com/ahwetekm/bread-backup/internal/types"
)

// FormatVersion is the archive format written by this build. Readers accept
// any version sharing the major component and refuse everything else.
const FormatVersion = "1.0"

// Archive member names.
const (
	ManifestName    = "manifest.json"
	ChecksumsName   = "checksums.sha256"
	PackagesDir     = "packages"
	UserConfigDir   = "user-config"
	PayloadName     = UserConfigDir + "/config.archive-payload"
	PermissionsName = UserConfigDir + "/permissions.json"
)

// ComponentSummary carries per-component counts and sizes in the manifest.
type ComponentSummary struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"size_bytes"`
}

// SystemInfo identifies the machine a backup was taken from.
type SystemInfo struct {
	Hostname      string
	KernelVersion string
}

// Manifest is the metadata document stored inside every archive. Once the
// archive is written the manifest is read-only.
type Manifest struct {
	BackupID       string                      `json:"backup_id"`
	CreatedAt      time.Time                   `json:"created_at"`
	Hostname       string                      `json:"hostname"`
	KernelVersion  string                      `json:"kernel_version"`
	FormatVersion  string                      `json:"archive_format_version"`
	Compression    types.CompressionType       `json:"compression"`
	Components     map[string]ComponentSummary `json:"component_summaries"`
	FileEntries    []permissions.FileEntry     `json:"file_entries"`
	PackageEntries []pacman.PackageEntry       `json:"package_entries"`
	TopChecksum    string                      `json:"top_level_checksum"`
}

// CheckFormatVersion gates readers on the format major version.
func CheckFormatVersion(version string) error {
	major, _, _ := strings.Cut(version, ".")
	supportedMajor, _, _ := strings.Cut(FormatVersion, ".")
	if major != supportedMajor {
		return &UnsupportedFormatError{Version: version}
	}
	return nil
}

// Builder assembles manifests: per-file checksums, canonical entry order,
// and the aggregate top-level checksum.
type Builder struct {
	logger *logging.Logger
}

// NewBuilder creates a manifest builder.
func NewBuilder(logger *logging.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build checksums every regular file under root, sorts the entries, and
// assembles the final manifest. File entries must already be captured;
// relative paths must be unique.
func (b *Builder) Build(ctx context.Context, root string, files []permissions.FileEntry, pkgs []pacman.PackageEntry, info SystemInfo, compression types.CompressionType) (*Manifest, error) {
	seen := make(map[string]struct{}, len(files))
	for _, e := range files {
		if _, dup := seen[e.RelativePath]; dup {
			return nil, fmt.Errorf("duplicate relative path in manifest: %s", e.RelativePath)
		}
		seen[e.RelativePath] = struct{}{}
	}

	entries := make([]permissions.FileEntry, len(files))
	copy(entries, files)

	if err := ChecksumEntries(ctx, b.logger, root, entries); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})

	packages := make([]pacman.PackageEntry, len(pkgs))
	copy(packages, pkgs)
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })

	var fileBytes int64
	fileCount := 0
	for _, e := range entries {
		if !e.IsDir {
			fileCount++
			fileBytes += e.SizeBytes
		}
	}

	m := &Manifest{
		BackupID:       uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Hostname:       info.Hostname,
		KernelVersion:  info.KernelVersion,
		FormatVersion:  FormatVersion,
		Compression:    compression,
		Components: map[string]ComponentSummary{
			"config":   {Count: fileCount, SizeBytes: fileBytes},
			"packages": {Count: len(packages)},
		},
		FileEntries:    entries,
		PackageEntries: packages,
	}
	m.TopChecksum = ComputeTopChecksum(m.FileEntries, m.PackageEntries)

	b.logger.Debug("Manifest built: %d files, %d packages, checksum %s",
		fileCount, len(packages), m.TopChecksum)
	return m, nil
}

// Save writes the manifest as indented JSON.
func (m *Manifest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest file: %w", err)
	}
	return nil
}

// LoadManifest reads and version-gates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if err := CheckFormatVersion(m.FormatVersion); err != nil {
		return nil, err
	}
	return &m, nil
}
