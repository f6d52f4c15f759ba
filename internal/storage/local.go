package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/safefs"
	"github.com/ahwetekm/bread-backup/internal/types"
	"github.com/ahwetekm/bread-backup/pkg/utils"
)

const fsOpTimeout = 30 * time.Second

// LocalStorage stores archives in a local directory.
type LocalStorage struct {
	dir    string
	logger *logging.Logger
}

// NewLocalStorage creates a destination at dir, creating it if needed.
func NewLocalStorage(logger *logging.Logger, dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Operation: "init", Path: dir, Err: err}
	}
	return &LocalStorage{dir: dir, logger: logger}, nil
}

func (s *LocalStorage) Name() string {
	return fmt.Sprintf("local:%s", s.dir)
}

// Dir returns the destination directory.
func (s *LocalStorage) Dir() string {
	return s.dir
}

// Save moves srcPath into the destination under its own basename. The data
// lands in a .partial file first and is renamed into place, so a failed save
// never leaves a readable archive behind. An existing filename is an error.
func (s *LocalStorage) Save(ctx context.Context, srcPath string) (string, error) {
	final := filepath.Join(s.dir, filepath.Base(srcPath))
	if utils.FileExists(final) {
		return "", &StorageError{Operation: "save", Path: final, Err: fmt.Errorf("archive already exists")}
	}

	size, err := utils.GetFileSize(srcPath)
	if err != nil {
		return "", &StorageError{Operation: "save", Path: srcPath, Err: err}
	}
	free, err := s.AvailableSpace(ctx)
	if err != nil {
		s.logger.Warning("Cannot check free space on %s: %v", s.dir, err)
	} else if uint64(size) > free {
		return "", &StorageError{
			Operation: "save",
			Path:      s.dir,
			Err: fmt.Errorf("insufficient space: need %s, have %s",
				utils.FormatBytes(size), utils.FormatBytes(int64(free))),
		}
	}

	// Rename works only within a filesystem; copy covers the general case.
	partial := final + ".partial"
	if err := os.Rename(srcPath, partial); err != nil {
		if err := utils.CopyFile(srcPath, partial); err != nil {
			return "", &StorageError{Operation: "save", Path: final, Err: err}
		}
		os.Remove(srcPath)
	}
	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", &StorageError{Operation: "save", Path: final, Err: err}
	}

	s.logger.Debug("Archive saved: %s (%s)", final, utils.FormatBytes(size))
	return final, nil
}

// Open resolves name to a readable path. Absolute and relative paths that
// already point at a file are passed through, so `restore ./foo.archive`
// works without a destination lookup.
func (s *LocalStorage) Open(ctx context.Context, name string) (string, error) {
	if utils.FileExists(name) {
		return name, nil
	}
	path := filepath.Join(s.dir, name)
	if _, err := safefs.Stat(ctx, path, fsOpTimeout); err != nil {
		return "", &StorageError{Operation: "open", Path: path, Err: err}
	}
	return path, nil
}

// List parses every archive filename in the destination. Non-archive files
// are ignored.
func (s *LocalStorage) List(ctx context.Context, sortBy SortBy) ([]types.ArchiveInfo, error) {
	dirEntries, err := safefs.ReadDir(ctx, s.dir, fsOpTimeout)
	if err != nil {
		return nil, &StorageError{Operation: "list", Path: s.dir, Err: err}
	}

	var archives []types.ArchiveInfo
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		hostname, at, err := ParseArchiveName(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warning("Cannot stat %s: %v", entry.Name(), err)
			continue
		}
		archives = append(archives, types.ArchiveInfo{
			Filename:  entry.Name(),
			Path:      filepath.Join(s.dir, entry.Name()),
			Size:      info.Size(),
			Timestamp: at,
			Hostname:  hostname,
		})
	}

	sortArchives(archives, sortBy)
	return archives, nil
}

func sortArchives(archives []types.ArchiveInfo, sortBy SortBy) {
	switch sortBy {
	case SortBySize:
		sort.Slice(archives, func(i, j int) bool { return archives[i].Size > archives[j].Size })
	case SortByName:
		sort.Slice(archives, func(i, j int) bool { return archives[i].Filename < archives[j].Filename })
	default:
		// Newest first.
		sort.Slice(archives, func(i, j int) bool { return archives[i].Timestamp.After(archives[j].Timestamp) })
	}
}

// AvailableSpace reports free bytes on the destination filesystem.
func (s *LocalStorage) AvailableSpace(ctx context.Context) (uint64, error) {
	stat, err := safefs.Statfs(ctx, s.dir, fsOpTimeout)
	if err != nil {
		return 0, &StorageError{Operation: "statfs", Path: s.dir, Err: err}
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CleanupOld removes the oldest archives beyond keep.
func (s *LocalStorage) CleanupOld(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	archives, err := s.List(ctx, SortByDate)
	if err != nil {
		return 0, err
	}
	if len(archives) <= keep {
		return 0, nil
	}

	removed := 0
	for _, old := range archives[keep:] {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		if err := os.Remove(old.Path); err != nil {
			s.logger.Warning("Cannot remove old archive %s: %v", old.Filename, err)
			continue
		}
		s.logger.Info("Removed old archive: %s", old.Filename)
		removed++
	}
	return removed, nil
}
