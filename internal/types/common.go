// Package types defines shared application data types.
package types

import "time"

// CompressionType represents the compression algorithm used for archives.
type CompressionType string

const (
	// CompressionGzip - gzip compression (Go standard library)
	CompressionGzip CompressionType = "gzip"

	// CompressionZstd - zstd compression (external zstd command)
	CompressionZstd CompressionType = "zstd"

	// CompressionXZ - xz compression (external xz command)
	CompressionXZ CompressionType = "xz"

	// CompressionLZ4 - lz4 compression (external lz4 command)
	CompressionLZ4 CompressionType = "lz4"

	// CompressionNone - no compression
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// IsValid reports whether c names a supported algorithm.
func (c CompressionType) IsValid() bool {
	switch c {
	case CompressionGzip, CompressionZstd, CompressionXZ, CompressionLZ4, CompressionNone:
		return true
	}
	return false
}

// PackageSource identifies where a package was installed from.
type PackageSource string

const (
	// SourceOfficial - official distribution repositories
	SourceOfficial PackageSource = "official"

	// SourceAUR - unofficial user repository, needs a helper tool to install
	SourceAUR PackageSource = "aur"
)

// String returns the string representation of the package source.
func (s PackageSource) String() string {
	return string(s)
}

// ArchiveInfo describes an archive file found in a destination directory.
// It is parsed from the filename and file metadata alone, without extraction.
type ArchiveInfo struct {
	// Filename is the archive file name (hostname-timestamp.archive)
	Filename string

	// Path is the full path to the archive file
	Path string

	// Size is the file size in bytes
	Size int64

	// Timestamp is the creation time parsed from the filename
	Timestamp time.Time

	// Hostname is the origin host parsed from the filename
	Hostname string
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
