// Package permissions captures and restores per-file ownership, mode bits,
// timestamps, and symlink targets.
package permissions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ahwetekm/bread-backup/internal/logging"
)

// FileEntry is the recorded metadata of one captured path.
type FileEntry struct {
	RelativePath  string    `json:"relative_path"`
	SizeBytes     int64     `json:"size_bytes"`
	Mode          uint32    `json:"mode"`
	UID           int       `json:"owner_uid"`
	GID           int       `json:"owner_gid"`
	ModTime       time.Time `json:"mtime"`
	IsDir         bool      `json:"is_dir,omitempty"`
	IsSymlink     bool      `json:"is_symlink,omitempty"`
	SymlinkTarget string    `json:"symlink_target,omitempty"`
	Checksum      string    `json:"content_checksum,omitempty"`
}

// FileMode returns the entry mode as an os.FileMode (permission and special
// bits only).
func (e *FileEntry) FileMode() os.FileMode {
	return os.FileMode(e.Mode) & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
}

// Capture reads the metadata of path without following symlinks. The
// recorded path is relative to relTo, always slash-separated. A symlink whose
// target cannot be read is recorded as a regular file.
func Capture(path, relTo string) (FileEntry, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("cannot stat %s: %w", path, err)
	}

	rel, err := filepath.Rel(relTo, path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("cannot relativize %s: %w", path, err)
	}

	entry := FileEntry{
		RelativePath: filepath.ToSlash(rel),
		SizeBytes:    fi.Size(),
		Mode:         uint32(fi.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)),
		ModTime:      fi.ModTime(),
		IsDir:        fi.IsDir(),
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		entry.UID = int(st.Uid)
		entry.GID = int(st.Gid)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err == nil && target != "" {
			entry.IsSymlink = true
			entry.SymlinkTarget = target
			entry.SizeBytes = 0
		}
	}

	return entry, nil
}

// Applier performs the individual metadata mutations during restore. The
// real implementation talks to the OS; a dry-run swaps in logging no-ops so
// simulation follows the exact same ordering.
type Applier interface {
	Lchown(path string, uid, gid int) error
	Chmod(path string, mode os.FileMode) error
	Chtimes(path string, mtime time.Time) error
}

// OSApplier applies metadata to the live filesystem.
type OSApplier struct{}

func (OSApplier) Lchown(path string, uid, gid int) error { return os.Lchown(path, uid, gid) }

func (OSApplier) Chmod(path string, mode os.FileMode) error { return os.Chmod(path, mode) }

func (OSApplier) Chtimes(path string, mtime time.Time) error {
	return os.Chtimes(path, mtime, mtime)
}

// RestoreError records one failed metadata operation.
type RestoreError struct {
	Path string
	Op   string
	Err  error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// RestoreStats summarizes one RestoreTree run.
type RestoreStats struct {
	Applied  int
	Skipped  int
	Failed   int
	Failures []*RestoreError
}

type treeNode struct {
	entry    *FileEntry
	children []*treeNode
}

// RestoreTree applies the recorded metadata under targetRoot in post-order,
// children before parents, so a directory restored read-only cannot block
// its own descendants. Per-entry failures are logged and counted, never
// fatal. Symlinks get ownership only.
func RestoreTree(entries []FileEntry, targetRoot string, applier Applier, logger *logging.Logger) RestoreStats {
	stats := RestoreStats{}

	for _, node := range buildTree(entries) {
		restorePostOrder(node, targetRoot, applier, logger, &stats)
	}
	return stats
}

// buildTree assembles the captured paths into explicit trees so the replay
// order is derived from the recorded structure, not from filesystem
// enumeration.
func buildTree(entries []FileEntry) []*treeNode {
	sorted := make([]FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RelativePath < sorted[j].RelativePath
	})

	nodes := make(map[string]*treeNode, len(sorted))
	var roots []*treeNode
	for i := range sorted {
		entry := &sorted[i]
		node := &treeNode{entry: entry}
		nodes[entry.RelativePath] = node

		if parent, ok := nodes[parentPath(entry.RelativePath)]; ok {
			parent.children = append(parent.children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

func parentPath(rel string) string {
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return ""
	}
	return rel[:idx]
}

func restorePostOrder(node *treeNode, targetRoot string, applier Applier, logger *logging.Logger, stats *RestoreStats) {
	for _, child := range node.children {
		restorePostOrder(child, targetRoot, applier, logger, stats)
	}
	restoreOne(node.entry, targetRoot, applier, logger, stats)
}

func restoreOne(entry *FileEntry, targetRoot string, applier Applier, logger *logging.Logger, stats *RestoreStats) {
	rel := filepath.FromSlash(entry.RelativePath)
	path := filepath.Join(targetRoot, rel)
	if !strings.HasPrefix(path, filepath.Clean(targetRoot)+string(os.PathSeparator)) {
		logger.Warning("Skipping entry outside target root: %s", entry.RelativePath)
		stats.Skipped++
		return
	}

	if _, err := os.Lstat(path); err != nil {
		logger.Warning("Path missing, skipping metadata restore: %s", entry.RelativePath)
		stats.Skipped++
		return
	}

	failed := false
	record := func(op string, err error) {
		if err == nil {
			return
		}
		failed = true
		rerr := &RestoreError{Path: entry.RelativePath, Op: op, Err: err}
		stats.Failures = append(stats.Failures, rerr)
		logger.Warning("%v", rerr)
	}

	record("chown", applier.Lchown(path, entry.UID, entry.GID))
	if !entry.IsSymlink {
		record("chmod", applier.Chmod(path, entry.FileMode()))
		record("chtimes", applier.Chtimes(path, entry.ModTime))
	}

	if failed {
		stats.Failed++
	} else {
		stats.Applied++
	}
}
