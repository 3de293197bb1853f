// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(prefix string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New(prefix)
	logger.SetWriter(&buf)
	logger.SetColorize(false)
	logger.SetLevel(DEBUG)
	return logger, &buf
}

func TestLoggerBasic(t *testing.T) {
	logger, buf := newTestLogger("extruder")
	logger.Info("activating %s", "extruder1")

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "extruder:") {
		t.Errorf("expected prefix 'extruder:', got: %s", output)
	}
	if !strings.Contains(output, "activating extruder1") {
		t.Errorf("expected formatted message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}
	logger.Warn("warn message")
	logger.Error("error message")
	out := buf.String()
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected WARN and ERROR to pass, got: %s", out)
	}
	if logger.Enabled(INFO) {
		t.Error("expected INFO to be disabled at WARN level")
	}
}

func TestLoggerFieldsSorted(t *testing.T) {
	logger, buf := newTestLogger("stepper")
	logger.WithFields(Fields{"queue": "extruder", "position": 12.5}).Info("synced")

	out := buf.String()
	if !strings.Contains(out, "{position=12.5, queue=extruder}") {
		t.Errorf("expected sorted fields, got: %s", out)
	}
}

func TestLoggerPersistentFields(t *testing.T) {
	logger, buf := newTestLogger("stepper")
	child := logger.With(Fields{"stepper": "extruder"})
	child.WithField("advance", 0.05).Info("pressure advance applied")

	out := buf.String()
	if !strings.Contains(out, "stepper=extruder") || !strings.Contains(out, "advance=0.05") {
		t.Errorf("expected persistent and entry fields, got: %s", out)
	}
	buf.Reset()
	logger.Info("parent")
	if strings.Contains(buf.String(), "stepper=") {
		t.Errorf("persistent fields leaked to parent: %s", buf.String())
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("toolhead")
	logger.SetFormat(FormatJSON)
	logger.WithField("flush_time", 1.25).Info("flushed")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry.Level != "INFO" || entry.Logger != "toolhead" || entry.Message != "flushed" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["flush_time"] != 1.25 {
		t.Errorf("expected flush_time 1.25, got %v", entry.Fields["flush_time"])
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestLoggerWithError(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.WithError(&testError{"queue full"}).Error("append failed")
	if !strings.Contains(buf.String(), "error=queue full") {
		t.Errorf("expected error field, got: %s", buf.String())
	}
}

func TestLoggerWithPrefixSharesSink(t *testing.T) {
	logger, buf := newTestLogger("root")
	child := logger.WithPrefix("child")
	logger.SetLevel(ERROR)
	child.Info("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected child to follow root level, got: %s", buf.String())
	}
	child.Error("kept")
	if !strings.Contains(buf.String(), "child: kept") {
		t.Errorf("expected child prefix, got: %s", buf.String())
	}
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetCaller(true)
	logger.Info("where")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("expected caller file, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("EXTRUDER_LOG_LEVEL", "error")
	t.Setenv("EXTRUDER_LOG_FORMAT", "json")
	logger, buf := newTestLogger("env")
	ConfigureFromEnv(logger)
	if logger.GetLevel() != ERROR {
		t.Errorf("expected ERROR level, got %v", logger.GetLevel())
	}
	logger.Error("json please")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got: %s", buf.String())
	}
}

func TestRotatingFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "extruder.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: path, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected first backup: %v", err)
	}
	if w.CurrentSize() != int64(len(chunk)) {
		t.Errorf("expected active file to hold one chunk, got %d", w.CurrentSize())
	}
}

func TestRotationConfigEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.log")
	logger, w, err := NewFileLogger("sim", RotationConfig{Filename: path}, false)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	logger.Info("written to file")
	w.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "sim: written to file") {
		t.Errorf("unexpected file contents: %s", data)
	}
}
