// Package storage manages archive destinations: saving, listing, retention,
// and space checks.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ahwetekm/bread-backup/internal/types"
)

// archive filenames: <hostname>-<timestamp>.archive
const (
	ArchiveExtension  = ".archive"
	ArchiveTimeFormat = "20060102-150405"
)

// SortBy selects the ordering of List results.
type SortBy string

const (
	SortByDate SortBy = "date"
	SortBySize SortBy = "size"
	SortByName SortBy = "name"
)

// Storage is the destination surface the orchestrators talk to. Only a
// local-directory implementation exists today; the interface carries no
// local-path assumptions so other backends can slot in.
type Storage interface {
	// Name returns the human-readable name of this storage backend.
	Name() string

	// Save moves a finished archive from srcPath into the destination and
	// returns its final path. Destinations are write-once per filename.
	Save(ctx context.Context, srcPath string) (string, error)

	// Open resolves an archive name (or path) to a local file path the
	// codec can read.
	Open(ctx context.Context, name string) (string, error)

	// List returns metadata for every archive in the destination, parsed
	// from filenames and stat alone, without extraction.
	List(ctx context.Context, sortBy SortBy) ([]types.ArchiveInfo, error)

	// AvailableSpace reports the free bytes at the destination.
	AvailableSpace(ctx context.Context) (uint64, error)

	// CleanupOld deletes the oldest archives beyond keep. keep <= 0
	// disables retention. Returns the number of archives removed.
	CleanupOld(ctx context.Context, keep int) (int, error)
}

// StorageError describes a failed storage operation.
type StorageError struct {
	Operation string // "save", "list", "cleanup", ...
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// GenerateArchiveName builds the canonical archive filename for a host and
// creation time.
func GenerateArchiveName(hostname string, at time.Time) string {
	return fmt.Sprintf("%s-%s%s", hostname, at.Format(ArchiveTimeFormat), ArchiveExtension)
}

// ParseArchiveName splits a canonical archive filename into hostname and
// timestamp. Hostnames may themselves contain dashes, so the timestamp is
// taken from the fixed-width tail.
func ParseArchiveName(filename string) (hostname string, at time.Time, err error) {
	base := strings.TrimSuffix(filename, ArchiveExtension)
	if base == filename {
		return "", time.Time{}, fmt.Errorf("not an archive filename: %s", filename)
	}

	tsLen := len(ArchiveTimeFormat)
	if len(base) < tsLen+2 || base[len(base)-tsLen-1] != '-' {
		return "", time.Time{}, fmt.Errorf("malformed archive filename: %s", filename)
	}

	hostname = base[:len(base)-tsLen-1]
	at, err = time.ParseInLocation(ArchiveTimeFormat, base[len(base)-tsLen:], time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed archive timestamp in %s: %w", filename, err)
	}
	return hostname, at, nil
}
