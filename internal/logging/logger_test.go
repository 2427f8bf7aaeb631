// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// TestLogger_Info verifies message and context fields are emitted.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("Queued operation", map[string]interface{}{"table": "sales", "record_id": "r-1"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["msg"] != "Queued operation" {
		t.Errorf("msg = %v", lines[0]["msg"])
	}
	if lines[0]["level"] != "INFO" {
		t.Errorf("level = %v", lines[0]["level"])
	}
	if lines[0]["table"] != "sales" {
		t.Errorf("table = %v", lines[0]["table"])
	}
}

// TestLogger_minLevel verifies messages below the minimum level are dropped.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["msg"] != "warn" {
		t.Errorf("msg = %v, want warn", lines[0]["msg"])
	}
}

// TestLogger_Error verifies the error field and code tagging.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("Sync pass failed", "SYNC_FAILED", errors.New("store unavailable"))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["error"] != "store unavailable" {
		t.Errorf("error = %v", lines[0]["error"])
	}
	if lines[0]["code"] != "SYNC_FAILED" {
		t.Errorf("code = %v", lines[0]["code"])
	}
}

// TestLogger_mergeContext verifies multiple context maps are merged.
func TestLogger_mergeContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	lines := decodeLines(t, &buf)
	if lines[0]["a"] != float64(1) || lines[0]["b"] != float64(2) {
		t.Errorf("merged fields missing: %v", lines[0])
	}
}

// TestParseLevel verifies level name parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestSetDefault verifies the global logger can be swapped.
func TestSetDefault(t *testing.T) {
	prev := Get()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(New(&buf, LevelInfo))
	Info("global message")

	if !strings.Contains(buf.String(), "global message") {
		t.Errorf("global logger did not write: %q", buf.String())
	}
}

// TestLogger_concurrent verifies concurrent writes produce whole lines.
func TestLogger_concurrent(t *testing.T) {
	var buf safeBuffer
	l := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Info("concurrent", map[string]interface{}{"i": i})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Errorf("got %d lines, want 20", len(lines))
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
