package backup

import "fmt"

// CompressionError represents a failure of an external compressor (zstd/xz/lz4).
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// CorruptArchiveError reports an archive that cannot be trusted: unreadable
// container, unknown magic bytes, or missing internal structure.
type CorruptArchiveError struct {
	Path   string
	Reason string
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %s", e.Path, e.Reason)
}

// ArchiveExistsError reports an attempt to write over an existing archive.
// Archives are write-once; corrections require a new archive.
type ArchiveExistsError struct {
	Path string
}

func (e *ArchiveExistsError) Error() string {
	return fmt.Sprintf("archive already exists: %s", e.Path)
}

// UnsupportedFormatError reports an archive whose format major version this
// reader does not understand.
type UnsupportedFormatError struct {
	Version string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format version %q (supported: %s)", e.Version, FormatVersion)
}
