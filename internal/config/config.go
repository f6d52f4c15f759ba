// Package config defines the tool configuration, its defaults, and YAML
// loading with environment expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ahwetekm/bread-backup/internal/types"
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config holds every tunable of the tool. Flags override file values at the
// CLI layer; everything below the CLI receives a Config by value and never
// reads the environment itself.
type Config struct {
	// Destination is the directory archives are written to and listed from.
	Destination string `yaml:"destination"`

	// Compression selects the outer archive compression.
	Compression types.CompressionType `yaml:"compression"`

	// CompressionLevel is the algorithm-specific level; 0 uses the
	// algorithm's own default.
	CompressionLevel int `yaml:"compressionLevel"`

	// ConfigDir overrides the captured configuration tree. Empty means the
	// invoking user's ~/.config (or /home/<User>/.config when User is set).
	ConfigDir string `yaml:"configDir"`

	// User names the account whose configuration is captured when running
	// as root.
	User string `yaml:"user"`

	// ExcludePatterns are appended after the built-in defaults.
	ExcludePatterns []string `yaml:"excludePatterns"`

	// ExcludeFile points to an optional file with one pattern per line,
	// appended after ExcludePatterns.
	ExcludeFile string `yaml:"excludeFile"`

	// AURHelper is the binary used for foreign packages.
	AURHelper string `yaml:"aurHelper"`

	// CommandTimeout bounds every package-manager and compressor subprocess.
	// Written in Go duration syntax in YAML ("30s", "5m"); parsed in Load.
	CommandTimeout time.Duration `yaml:"-"`

	// KeepArchives enables count-based retention on the destination after a
	// successful backup. 0 keeps everything.
	KeepArchives int `yaml:"keepArchives"`

	LogLevel string `yaml:"logLevel"`

	// LogFile, when set, receives a color-free copy of every message in
	// addition to the terminal output.
	LogFile string `yaml:"logFile"`

	NoColor bool `yaml:"noColor"`
}

// Default returns the configuration used when no file and no flags are given.
func Default() Config {
	return Config{
		Destination:    "/var/backups/bread-backup",
		Compression:    types.CompressionZstd,
		AURHelper:      "yay",
		CommandTimeout: 5 * time.Minute,
		LogLevel:       "info",
	}
}

// Validate checks the configuration for values that would fail mid-run, so
// bad input aborts before any collection starts.
func (c *Config) Validate() error {
	if c.Destination == "" {
		return &ConfigError{Field: "destination", Msg: "must not be empty"}
	}
	if !c.Compression.IsValid() {
		return &ConfigError{
			Field: "compression",
			Msg:   fmt.Sprintf("unknown algorithm %q (gzip, zstd, xz, lz4, none)", c.Compression),
		}
	}
	if err := validateLevel(c.Compression, c.CompressionLevel); err != nil {
		return err
	}
	if c.CommandTimeout <= 0 {
		return &ConfigError{Field: "commandTimeout", Msg: "must be positive"}
	}
	if c.KeepArchives < 0 {
		return &ConfigError{Field: "keepArchives", Msg: "must not be negative"}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func validateLevel(algo types.CompressionType, level int) error {
	if level == 0 {
		return nil
	}
	var max int
	switch algo {
	case types.CompressionGzip:
		max = 9
	case types.CompressionZstd:
		max = 19
	case types.CompressionXZ:
		max = 9
	case types.CompressionLZ4:
		max = 12
	case types.CompressionNone:
		return &ConfigError{Field: "compressionLevel", Msg: "not applicable without compression"}
	}
	if level < 1 || level > max {
		return &ConfigError{
			Field: "compressionLevel",
			Msg:   fmt.Sprintf("%d out of range for %s (1-%d)", level, algo, max),
		}
	}
	return nil
}

// ParseLogLevel maps the textual level names to types.LogLevel.
func ParseLogLevel(s string) (types.LogLevel, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return types.LogLevelInfo, nil
	case "debug":
		return types.LogLevelDebug, nil
	case "warning", "warn":
		return types.LogLevelWarning, nil
	case "error":
		return types.LogLevelError, nil
	case "none", "quiet":
		return types.LogLevelNone, nil
	}
	return 0, &ConfigError{Field: "logLevel", Msg: fmt.Sprintf("unknown level %q", s)}
}

// SourceDir resolves the configuration tree to capture.
func (c *Config) SourceDir() (string, error) {
	if c.ConfigDir != "" {
		return c.ConfigDir, nil
	}
	if c.User != "" {
		return filepath.Join("/home", c.User, ".config"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config"), nil
}
