// Package cli parses the command line into a command plus its options.
package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/ahwetekm/bread-backup/internal/storage"
	"github.com/ahwetekm/bread-backup/internal/version"
)

// Command is the selected subcommand.
type Command string

const (
	CommandBackup  Command = "backup"
	CommandRestore Command = "restore"
	CommandVerify  Command = "verify"
	CommandInfo    Command = "info"
	CommandList    Command = "list"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

// Args holds the parsed command-line arguments.
type Args struct {
	Command    Command
	ConfigPath string
	LogLevel   string
	NoColor    bool

	// backup and restore
	DryRun     bool
	NoPackages bool
	NoConfig   bool

	// backup and list
	Destination string

	// backup
	Schedule    string
	Compression string
	ExcludeFile string

	// restore
	TargetRoot string

	// restore, verify, info
	Archive string

	// list
	SortBy string
	JSON   bool
}

// UsageError reports invalid command-line input; the caller prints usage and
// exits with the fatal code.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, a ...any) *UsageError {
	return &UsageError{Msg: fmt.Sprintf(format, a...)}
}

// Parse parses argv (without the program name) into Args.
func Parse(argv []string) (*Args, error) {
	if len(argv) == 0 {
		return nil, usageErrorf("no command given")
	}

	args := &Args{SortBy: string(storage.SortByDate)}

	switch argv[0] {
	case "backup":
		args.Command = CommandBackup
	case "restore":
		args.Command = CommandRestore
	case "verify":
		args.Command = CommandVerify
	case "info":
		args.Command = CommandInfo
	case "list":
		args.Command = CommandList
	case "version", "--version", "-v":
		args.Command = CommandVersion
		return args, nil
	case "help", "--help", "-h":
		args.Command = CommandHelp
		return args, nil
	default:
		return nil, usageErrorf("unknown command %q", argv[0])
	}

	fs := flag.NewFlagSet(argv[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&args.ConfigPath, "config", "", "Path to configuration file")
	fs.StringVar(&args.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	fs.StringVar(&args.LogLevel, "log-level", "", "Log level (debug|info|warning|error|none)")
	fs.StringVar(&args.LogLevel, "l", "", "Log level (shorthand)")
	fs.BoolVar(&args.NoColor, "no-color", false, "Disable colored output")

	switch args.Command {
	case CommandBackup, CommandRestore:
		fs.BoolVar(&args.DryRun, "dry-run", false, "Report planned actions without changing anything")
		fs.BoolVar(&args.DryRun, "n", false, "Dry run (shorthand)")
		fs.BoolVar(&args.NoPackages, "no-packages", false, "Skip the package inventory component")
		fs.BoolVar(&args.NoConfig, "no-config", false, "Skip the user configuration component")
	}
	switch args.Command {
	case CommandBackup:
		fs.StringVar(&args.Schedule, "schedule", "", "Run on a cron schedule instead of once")
		fs.StringVar(&args.Destination, "dest", "", "Write archives to this directory")
		fs.StringVar(&args.Destination, "d", "", "Destination (shorthand)")
		fs.StringVar(&args.Compression, "compression", "", "Archive compression (gzip|zstd|xz|lz4|none)")
		fs.StringVar(&args.ExcludeFile, "exclude-file", "", "File with one exclude pattern per line")
	case CommandRestore:
		fs.StringVar(&args.TargetRoot, "target", "", "Restore configuration under this directory instead of the live one")
	case CommandList, CommandInfo:
		fs.BoolVar(&args.JSON, "json", false, "Emit machine-readable JSON")
		if args.Command == CommandList {
			fs.StringVar(&args.SortBy, "sort-by", string(storage.SortByDate), "Sort archives by date, size, or name")
			fs.StringVar(&args.Destination, "dest", "", "List archives from this directory")
			fs.StringVar(&args.Destination, "d", "", "Destination (shorthand)")
		}
	}

	// flag stops at the first non-flag argument, so keep re-parsing the
	// remainder until it is exhausted; this accepts both
	// "restore ARCHIVE --target DIR" and "restore --target DIR ARCHIVE".
	rest := argv[1:]
	var positionals []string
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, usageErrorf("%s: %v", args.Command, err)
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positionals = append(positionals, rest[0])
		rest = rest[1:]
	}

	switch args.Command {
	case CommandRestore, CommandVerify, CommandInfo:
		if len(positionals) != 1 {
			return nil, usageErrorf("%s requires exactly one archive name", args.Command)
		}
		args.Archive = positionals[0]
	default:
		if len(positionals) != 0 {
			return nil, usageErrorf("%s takes no positional arguments, got %q", args.Command, positionals[0])
		}
	}

	if args.Command == CommandBackup && args.NoPackages && args.NoConfig {
		return nil, usageErrorf("backup with --no-packages and --no-config would capture nothing")
	}
	if args.Command == CommandList {
		switch storage.SortBy(args.SortBy) {
		case storage.SortByDate, storage.SortBySize, storage.SortByName:
		default:
			return nil, usageErrorf("unknown sort key %q (date, size, name)", args.SortBy)
		}
	}

	return args, nil
}

// PrintHelp writes the usage message.
func PrintHelp(w io.Writer, argv0 string) {
	fmt.Fprintf(w, "Usage: %s <command> [options]\n\n", argv0)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  backup                Capture packages and user configuration into an archive")
	fmt.Fprintln(w, "  restore <archive>     Reinstall packages and restore configuration from an archive")
	fmt.Fprintln(w, "  verify <archive>      Check an archive's structure and checksums")
	fmt.Fprintln(w, "  info <archive>        Show an archive's manifest")
	fmt.Fprintln(w, "  list                  List archives at the destination")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Common options:")
	fmt.Fprintln(w, "  -c, --config PATH     Configuration file")
	fmt.Fprintln(w, "  -l, --log-level LVL   debug|info|warning|error|none")
	fmt.Fprintln(w, "      --no-color        Disable colored output")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s backup --dry-run\n", argv0)
	fmt.Fprintf(w, "  %s backup --schedule \"0 3 * * *\"\n", argv0)
	fmt.Fprintf(w, "  %s restore laptop-20260830-031500.archive --target /mnt/newhome/.config\n", argv0)
	fmt.Fprintf(w, "  %s list --sort-by size\n", argv0)
}

// PrintVersion writes the version banner.
func PrintVersion(w io.Writer) {
	fmt.Fprintln(w, "bread-backup")
	fmt.Fprintf(w, "Version: %s\n", version.String())
}
