// Package logging provides the application's leveled logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/ahwetekm/bread-backup/internal/types"
)

// Logger handles application logging.
type Logger struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	logFile      *os.File
	warningCount int64
	errorCount   int64
}

// New creates a new logger writing to stdout.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: "2006-01-02 15:04:05",
	}
}

// ColorSupported reports whether stdout is a terminal that can render
// ANSI colors. Used as the default for color output unless overridden.
func ColorSupported() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// SetOutput sets the logger output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.output = os.Stdout
		return
	}
	l.output = w
}

// OpenLogFile opens a log file; every message is also appended there
// without color codes.
func (l *Logger) OpenLogFile(logPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Close()
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l.logFile = file
	return nil
}

// CloseLogFile closes the log file if one is open.
func (l *Logger) CloseLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}

	err := l.logFile.Close()
	l.logFile = nil
	return err
}

func (l *Logger) log(level types.LogLevel, label string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	switch level {
	case types.LogLevelWarning:
		l.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		l.errorCount++
	}

	timestamp := time.Now().Format(l.timeFormat)
	levelStr := level.String()
	if label != "" {
		levelStr = label
	}
	message := fmt.Sprintf(format, args...)

	var colorCode, resetCode string
	if l.useColor {
		resetCode = "\033[0m"
		switch {
		case label != "":
			colorCode = "\033[34m" // Blue for labeled step/state messages
		case level == types.LogLevelDebug:
			colorCode = "\033[36m"
		case level == types.LogLevelInfo:
			colorCode = "\033[32m"
		case level == types.LogLevelWarning:
			colorCode = "\033[33m"
		case level == types.LogLevelError:
			colorCode = "\033[31m"
		case level == types.LogLevelCritical:
			colorCode = "\033[1;31m"
		}
	}

	fmt.Fprintf(l.output, "[%s] %s%-8s%s %s\n", timestamp, colorCode, levelStr, resetCode, message)

	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", timestamp, levelStr, message)
	}
}

// HasWarnings returns true if at least one warning was logged.
func (l *Logger) HasWarnings() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningCount > 0
}

// HasErrors returns true if at least one error or critical message was logged.
func (l *Logger) HasErrors() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorCount > 0
}

// Debug writes a debug log.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(types.LogLevelDebug, "", format, args...)
}

// Info writes an informational log.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(types.LogLevelInfo, "", format, args...)
}

// Step writes an informational log with a STEP label, used by the
// orchestrators to highlight state transitions.
func (l *Logger) Step(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(types.LogLevelInfo, "STEP", format, args...)
}

// Skip writes an informational log with a SKIP label for elements that
// were deliberately not processed.
func (l *Logger) Skip(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(types.LogLevelInfo, "SKIP", format, args...)
}

// DryRun writes an informational log with a DRY-RUN label describing an
// action that would have been taken.
func (l *Logger) DryRun(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.log(types.LogLevelInfo, "DRY-RUN", format, args...)
}

// Warning writes a warning log.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(types.LogLevelWarning, "", format, args...)
}

// Error writes an error log.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(types.LogLevelError, "", format, args...)
}

// Critical writes a critical log.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.log(types.LogLevelCritical, "", format, args...)
}
