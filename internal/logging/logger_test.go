package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ahwetekm/bread-backup/internal/types"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	logger.Debug("hidden detail")
	logger.Info("kept message")

	out := buf.String()
	if strings.Contains(out, "hidden detail") {
		t.Error("debug message emitted at info level")
	}
	if !strings.Contains(out, "kept message") {
		t.Errorf("info message missing from output: %q", out)
	}
}

func TestWarningAndErrorCounters(t *testing.T) {
	logger := New(types.LogLevelNone, false)
	logger.SetOutput(&bytes.Buffer{})

	if logger.HasWarnings() || logger.HasErrors() {
		t.Fatal("fresh logger reports prior messages")
	}
	logger.Warning("disk almost full")
	logger.Error("write failed")
	if !logger.HasWarnings() {
		t.Error("warning not counted")
	}
	if !logger.HasErrors() {
		t.Error("error not counted")
	}
}

func TestLogFileReceivesUncoloredCopy(t *testing.T) {
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&bytes.Buffer{})

	path := filepath.Join(t.TempDir(), "run.log")
	if err := logger.OpenLogFile(path); err != nil {
		t.Fatalf("OpenLogFile failed: %v", err)
	}
	logger.Info("archived %d files", 3)
	logger.Step("Verifying")
	if err := logger.CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "archived 3 files") || !strings.Contains(content, "Verifying") {
		t.Errorf("messages missing from log file: %q", content)
	}
	if strings.Contains(content, "\033[") {
		t.Error("log file contains ANSI color codes")
	}

	// Closing twice is harmless.
	if err := logger.CloseLogFile(); err != nil {
		t.Errorf("second CloseLogFile failed: %v", err)
	}
}

func TestOpenLogFileRejectsBadPath(t *testing.T) {
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&bytes.Buffer{})

	if err := logger.OpenLogFile(filepath.Join(t.TempDir(), "missing", "run.log")); err == nil {
		t.Error("log file under nonexistent directory accepted")
	}
}
