package backup

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ahwetekm/bread-backup/internal/logging"
	"github.com/ahwetekm/bread-backup/internal/pacman"
	"github.com/ahwetekm/bread-backup/internal/types"
)

// ArchiverDeps groups external dependencies used by Archiver.
type ArchiverDeps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultArchiverDeps() ArchiverDeps {
	return ArchiverDeps{
		LookPath:       exec.LookPath,
		CommandContext: exec.CommandContext,
	}
}

// Archiver turns a staging directory into the on-disk archive container and
// back. The outer container is a tar stream compressed with the configured
// algorithm; gzip runs in-process, the others through external binaries.
type Archiver struct {
	logger               *logging.Logger
	compression          types.CompressionType
	compressionLevel     int
	requestedCompression types.CompressionType
	deps                 ArchiverDeps
}

// NewArchiver creates an archiver for the given compression settings.
func NewArchiver(logger *logging.Logger, compression types.CompressionType, level int) *Archiver {
	return NewArchiverWithDeps(logger, compression, level, defaultArchiverDeps())
}

// NewArchiverWithDeps creates an archiver with explicit dependency overrides
// (for testing).
func NewArchiverWithDeps(logger *logging.Logger, compression types.CompressionType, level int, deps ArchiverDeps) *Archiver {
	return &Archiver{
		logger:               logger,
		compression:          compression,
		compressionLevel:     normalizeLevelForCompression(compression, level),
		requestedCompression: compression,
		deps:                 deps,
	}
}

func (a *Archiver) cmd(ctx context.Context, name string, args ...string) *exec.Cmd {
	if a.deps.CommandContext != nil {
		return a.deps.CommandContext(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (a *Archiver) findPath(name string) (string, error) {
	if a.deps.LookPath != nil {
		return a.deps.LookPath(name)
	}
	return exec.LookPath(name)
}

// EffectiveCompression returns the compression algorithm currently in use.
func (a *Archiver) EffectiveCompression() types.CompressionType {
	return a.compression
}

// ResolveCompression ensures the configured compressor binary is available
// and falls back to in-process gzip when it is not, keeping the caller
// informed via logs. The result is what the manifest must record.
func (a *Archiver) ResolveCompression() types.CompressionType {
	switch a.compression {
	case types.CompressionZstd, types.CompressionXZ, types.CompressionLZ4:
		tool := string(a.compression)
		if _, err := a.findPath(tool); err != nil {
			a.logger.Warning("%s command not available, using gzip instead: %v", tool, err)
			a.compression = types.CompressionGzip
			a.compressionLevel = normalizeLevelForCompression(a.compression, 0)
		}
	case types.CompressionGzip, types.CompressionNone:
		// In-process, always available.
	}
	return a.compression
}

func normalizeLevelForCompression(comp types.CompressionType, level int) int {
	switch comp {
	case types.CompressionGzip:
		if level < 1 || level > 9 {
			return 6
		}
	case types.CompressionZstd:
		if level < 1 || level > 19 {
			return 3
		}
	case types.CompressionXZ:
		if level < 1 || level > 9 {
			return 6
		}
	case types.CompressionLZ4:
		if level < 1 || level > 12 {
			return 1
		}
	case types.CompressionNone:
		return 0
	}
	return level
}

// Create streams sourceDir into a compressed archive at outputPath.
// Archives are write-once: an existing outputPath is an error. The stream
// goes to outputPath+".partial" and is renamed into place only on success,
// so cancellation or failure never leaves a half-written archive at the
// final name.
func (a *Archiver) Create(ctx context.Context, sourceDir, outputPath string) (err error) {
	if _, statErr := os.Lstat(outputPath); statErr == nil {
		return &ArchiveExistsError{Path: outputPath}
	}

	actual := a.ResolveCompression()
	a.logger.Debug("Creating archive: %s -> %s (compression: %s, level %d)",
		sourceDir, outputPath, actual, a.compressionLevel)

	if mkErr := os.MkdirAll(filepath.Dir(outputPath), 0o755); mkErr != nil {
		return fmt.Errorf("failed to create output directory: %w", mkErr)
	}

	partial := outputPath + ".partial"
	defer func() {
		if err != nil {
			os.Remove(partial)
		}
	}()

	switch actual {
	case types.CompressionGzip:
		err = a.createGzipArchive(ctx, sourceDir, partial)
	case types.CompressionZstd:
		err = a.createCommandArchive(ctx, sourceDir, partial, "zstd",
			fmt.Sprintf("-%d", a.compressionLevel), "-q", "-c")
	case types.CompressionXZ:
		err = a.createCommandArchive(ctx, sourceDir, partial, "xz",
			fmt.Sprintf("-%d", a.compressionLevel), "-T0", "-c")
	case types.CompressionLZ4:
		err = a.createCommandArchive(ctx, sourceDir, partial, "lz4",
			fmt.Sprintf("-%d", a.compressionLevel), "-q", "-c")
	case types.CompressionNone:
		err = a.createTarArchive(ctx, sourceDir, partial)
	default:
		err = fmt.Errorf("unsupported compression type: %s", actual)
	}
	if err != nil {
		return err
	}

	if err = os.Rename(partial, outputPath); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// writeTar writes the directory contents to the provided writer as a tar
// stream.
func (a *Archiver) writeTar(ctx context.Context, sourceDir string, w io.Writer) error {
	tarWriter := tar.NewWriter(w)
	err := a.addToTar(ctx, tarWriter, sourceDir)
	if closeErr := tarWriter.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (a *Archiver) createGzipArchive(ctx context.Context, sourceDir, outputPath string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	gzWriter, err := gzip.NewWriterLevel(outFile, a.compressionLevel)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if err := a.writeTar(ctx, sourceDir, gzWriter); err != nil {
		gzWriter.Close()
		return fmt.Errorf("failed to write tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize gzip stream: %w", err)
	}
	return outFile.Sync()
}

func (a *Archiver) createTarArchive(ctx context.Context, sourceDir, outputPath string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if err := a.writeTar(ctx, sourceDir, outFile); err != nil {
		return fmt.Errorf("failed to write tar archive: %w", err)
	}
	return outFile.Sync()
}

// createCommandArchive pipes the tar stream through an external compressor.
func (a *Archiver) createCommandArchive(ctx context.Context, sourceDir, outputPath, tool string, args ...string) error {
	cmd := a.cmd(ctx, tool, args...)

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	pr, pw := io.Pipe()
	cmd.Stdin = pr
	cmd.Stdout = outFile
	if err := a.attachStderrLogger(cmd, tool); err != nil {
		return fmt.Errorf("capture %s output: %w", tool, err)
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if err := a.writeTar(ctx, sourceDir, pw); err != nil {
			pw.CloseWithError(err)
			errChan <- err
			return
		}
		pw.Close()
		errChan <- nil
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		if tarErr := <-errChan; tarErr != nil {
			return tarErr
		}
		return fmt.Errorf("failed to start %s: %w", tool, err)
	}

	if tarErr := <-errChan; tarErr != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return tarErr
	}

	if err := cmd.Wait(); err != nil {
		return &CompressionError{Algorithm: tool, Err: err}
	}
	return outFile.Sync()
}

func (a *Archiver) attachStderrLogger(cmd *exec.Cmd, tool string) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	tag := strings.ToUpper(tool)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			a.logger.Debug("[%s] %s", tag, scanner.Text())
		}
	}()
	return nil
}

// addToTar recursively adds files and directories to a tar archive.
// Symlinks are preserved, never followed. Ownership and timestamps go into
// PAX extended headers so restore can reproduce them.
func (a *Archiver) addToTar(ctx context.Context, tarWriter *tar.Writer, sourceDir string) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			a.logger.Warning("Error accessing path %s: %v", path, err)
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		linkInfo, err := os.Lstat(path)
		if err != nil {
			a.logger.Warning("Failed to stat path %s: %v", path, err)
			return nil
		}

		var linkTarget string
		if linkInfo.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				a.logger.Warning("Failed to read symlink %s: %v", path, err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(linkInfo, linkTarget)
		if err != nil {
			a.logger.Warning("Failed to create header for %s: %v", path, err)
			return nil
		}

		if stat, ok := linkInfo.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
			header.AccessTime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
			header.ChangeTime = time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
			header.ModTime = time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec)
		}

		// PAX extended headers carry sub-second timestamps USTAR cannot.
		header.Format = tar.FormatPAX

		name := filepath.ToSlash(relPath)
		if !strings.HasPrefix(name, "./") {
			name = "./" + name
		}
		header.Name = name

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		if linkInfo.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				a.logger.Warning("Failed to open file %s: %v", path, err)
				return nil
			}
			defer file.Close()

			if _, err := io.Copy(tarWriter, file); err != nil {
				return fmt.Errorf("failed to write file %s to archive: %w", relPath, err)
			}
		}
		return nil
	})
}

// Magic byte sequences used to identify the outer compression on read.
var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXZ   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectCompression sniffs the archive header to determine the decompressor
// needed. The manifest lives inside the container, so reading cannot rely on
// it. Unknown magic is a CorruptArchiveError, never a silent fallback.
func DetectCompression(path string) (types.CompressionType, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	header := make([]byte, 6)
	n, err := file.Read(header)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read archive header: %w", err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, magicGzip):
		return types.CompressionGzip, nil
	case bytes.HasPrefix(header, magicZstd):
		return types.CompressionZstd, nil
	case bytes.HasPrefix(header, magicXZ):
		return types.CompressionXZ, nil
	case bytes.HasPrefix(header, magicLZ4):
		return types.CompressionLZ4, nil
	}

	// Plain tar: "ustar" at offset 257.
	ustar := make([]byte, 5)
	if _, err := file.ReadAt(ustar, 257); err == nil && bytes.Equal(ustar, []byte("ustar")) {
		return types.CompressionNone, nil
	}

	return "", &CorruptArchiveError{Path: path, Reason: "unrecognized archive format"}
}

// Extract unpacks an archive into scratchDir, never into the live
// filesystem. The compression is sniffed from the file itself; a sniffed
// algorithm whose decompressor binary is missing is a fatal
// MissingDependencyError.
func (a *Archiver) Extract(ctx context.Context, archivePath, scratchDir string) error {
	compression, err := DetectCompression(archivePath)
	if err != nil {
		return err
	}
	a.logger.Debug("Extracting %s (%s) -> %s", archivePath, compression, scratchDir)

	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	switch compression {
	case types.CompressionGzip:
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return &CorruptArchiveError{Path: archivePath, Reason: err.Error()}
		}
		defer gzReader.Close()
		return a.untar(ctx, gzReader, scratchDir)

	case types.CompressionNone:
		return a.untar(ctx, file, scratchDir)

	case types.CompressionZstd, types.CompressionXZ, types.CompressionLZ4:
		tool := string(compression)
		if _, err := a.findPath(tool); err != nil {
			return &pacman.MissingDependencyError{Tool: tool}
		}
		return a.extractViaCommand(ctx, file, scratchDir, tool, archivePath)
	}
	return fmt.Errorf("unsupported compression type: %s", compression)
}

func (a *Archiver) extractViaCommand(ctx context.Context, file *os.File, scratchDir, tool, archivePath string) error {
	cmd := a.cmd(ctx, tool, "-d", "-c")
	cmd.Stdin = file
	if err := a.attachStderrLogger(cmd, tool); err != nil {
		return fmt.Errorf("capture %s output: %w", tool, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe %s output: %w", tool, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", tool, err)
	}

	untarErr := a.untar(ctx, stdout, scratchDir)
	waitErr := cmd.Wait()

	if waitErr != nil {
		return &CorruptArchiveError{Path: archivePath, Reason: fmt.Sprintf("%s decompression failed: %v", tool, waitErr)}
	}
	return untarErr
}

// untar extracts a tar stream into dest, rejecting entries that would
// escape it.
func (a *Archiver) untar(ctx context.Context, r io.Reader, dest string) error {
	tarReader := tar.NewReader(r)
	cleanDest := filepath.Clean(dest)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &CorruptArchiveError{Path: dest, Reason: fmt.Sprintf("tar stream: %v", err)}
		}

		name := filepath.FromSlash(strings.TrimPrefix(header.Name, "./"))
		target := filepath.Join(cleanDest, name)
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return &CorruptArchiveError{Path: dest, Reason: fmt.Sprintf("entry escapes extraction root: %s", header.Name)}
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)&os.ModePerm|0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", name, err)
			}
			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&os.ModePerm)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", name, err)
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to extract file %s: %w", name, err)
			}
			if err := outFile.Close(); err != nil {
				return fmt.Errorf("failed to close file %s: %w", name, err)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", name, err)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", name, err)
			}

		default:
			a.logger.Debug("Skipping unsupported tar entry type %d: %s", header.Typeflag, header.Name)
		}
	}
}

// CreatePayload writes the captured config tree as a plain inner tar; the
// outer archive compression covers it.
func (a *Archiver) CreatePayload(ctx context.Context, sourceDir, outputPath string) error {
	return a.createTarArchive(ctx, sourceDir, outputPath)
}

// ExtractPayload unpacks the inner payload tar into dest.
func (a *Archiver) ExtractPayload(ctx context.Context, payloadPath, dest string) error {
	file, err := os.Open(payloadPath)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("failed to create payload destination: %w", err)
	}
	return a.untar(ctx, file, dest)
}
