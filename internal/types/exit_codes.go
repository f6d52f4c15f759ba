package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitPartial - Completed with recoverable per-item failures
	// (skipped files, missing packages, permission restore failures).
	ExitPartial ExitCode = 1

	// ExitFatal - Fatal failure: verification failed, archive unreadable,
	// destination unwritable, configuration invalid.
	ExitFatal ExitCode = 2
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitPartial:
		return "partial failure"
	case ExitFatal:
		return "fatal failure"
	default:
		return "unknown"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}
