package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Loop", "hidden %d", 1)
	l.Warn("Loop", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Loop] shown 2") {
		t.Fatalf("missing warn line: %q", out)
	}
}

func TestSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Loop", "boom")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}

func TestModuleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, true)
	m := l.Module("Camera")

	m.Debugf("frame %d", 7)
	out := buf.String()
	if !strings.Contains(out, "[Camera] frame 7") {
		t.Fatalf("module tag missing: %q", out)
	}
	if !strings.Contains(out, levelColors[DEBUG]) {
		t.Fatalf("expected colored output: %q", out)
	}
}

func TestFileOutputIsUncolored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live-detect.log")

	var console bytes.Buffer
	l := NewWithOptions(Options{Level: INFO, Output: &console, UseColor: true, File: path})
	l.Info("Main", "hello")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "\033[") {
		t.Fatalf("file output should not contain color codes: %q", data)
	}
	if !strings.Contains(string(data), "[INFO] [Main] hello") {
		t.Fatalf("file output missing line: %q", data)
	}
}
