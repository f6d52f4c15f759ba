package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/permissions"
)

// checksumWorkers bounds the parallel hashing pool during manifest build.
const checksumWorkers = 4

// GenerateChecksum calculates the SHA256 checksum of a file, streamed in
// 32KB chunks with context checks between reads.
func GenerateChecksum(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := file.Read(buf)
		if n > 0 {
			if _, err := hash.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("failed to write to hash: %w", err)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ChecksumEntries fills the Checksum field of every regular-file entry,
// reading content from root/<relative_path>. Hashing runs across a small
// worker pool; entry order is untouched, so callers sort afterwards.
func ChecksumEntries(ctx context.Context, logger *logging.Logger, root string, entries []permissions.FileEntry) error {
	jobs := make(chan int, len(entries))
	for i := range entries {
		if entries[i].IsDir || entries[i].IsSymlink {
			continue
		}
		jobs <- i
	}
	close(jobs)

	errs := make(chan error, checksumWorkers)
	var wg sync.WaitGroup
	for w := 0; w < checksumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					return
				}
				entry := &entries[idx]
				sum, err := GenerateChecksum(ctx, filepath.Join(root, filepath.FromSlash(entry.RelativePath)))
				if err != nil {
					select {
					case errs <- fmt.Errorf("checksum %s: %w", entry.RelativePath, err):
					default:
					}
					return
				}
				entry.Checksum = sum
				logger.Debug("Checksummed %s: %s", entry.RelativePath, sum)
			}
		}()
	}
	wg.Wait()
	close(errs)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := <-errs; ok && err != nil {
		return err
	}
	return nil
}

// ComputeTopChecksum hashes the canonical serialization of all entries:
// file entries sorted by relative path, then package entries sorted by name.
// Identical content always yields an identical checksum regardless of
// enumeration order.
func ComputeTopChecksum(files []permissions.FileEntry, pkgs []pacman.PackageEntry) string {
	sortedFiles := make([]permissions.FileEntry, len(files))
	copy(sortedFiles, files)
	sort.Slice(sortedFiles, func(i, j int) bool {
		return sortedFiles[i].RelativePath < sortedFiles[j].RelativePath
	})

	sortedPkgs := make([]pacman.PackageEntry, len(pkgs))
	copy(sortedPkgs, pkgs)
	sort.Slice(sortedPkgs, func(i, j int) bool {
		return sortedPkgs[i].Name < sortedPkgs[j].Name
	})

	hash := sha256.New()
	for _, e := range sortedFiles {
		fmt.Fprintf(hash, "%s\x00%s\n", e.RelativePath, e.Checksum)
	}
	for _, p := range sortedPkgs {
		fmt.Fprintf(hash, "%s\x00%s\x00%s\x00%t\n", p.Name, p.Version, p.Source, p.Explicit)
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// WriteChecksumFile writes the flat "checksum  path" listing alongside the
// manifest so archives can be audited with sha256sum alone.
func WriteChecksumFile(entries []permissions.FileEntry, path string) error {
	var b strings.Builder
	for _, e := range entries {
		if e.Checksum == "" {
			continue
		}
		fmt.Fprintf(&b, "%s  %s\n", e.Checksum, e.RelativePath)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write checksum file: %w", err)
	}
	return nil
}

// ParseChecksumFile reads a "checksum  path" listing back into a map keyed
// by relative path.
func ParseChecksumFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checksum file: %w", err)
	}
	defer file.Close()

	sums := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed checksum line: %q", line)
		}
		sums[parts[1]] = parts[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checksum file: %w", err)
	}
	return sums, nil
}
