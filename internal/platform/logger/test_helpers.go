package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// Entry is one decoded JSON log line.
type Entry map[string]any

// Message returns the entry's msg field.
func (e Entry) Message() string {
	msg, _ := e[slog.MessageKey].(string)
	return msg
}

// Level returns the entry's level field, e.g. "INFO".
func (e Entry) Level() string {
	lvl, _ := e[slog.LevelKey].(string)
	return lvl
}

// TestLogBuffer collects log output from concurrent workers.
type TestLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Entries decodes every non-blank line written so far.
func (b *TestLogBuffer) Entries() ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(strings.NewReader(b.String()))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// Find returns the entries whose message equals msg.
func (b *TestLogBuffer) Find(msg string) []Entry {
	entries, err := b.Entries()
	if err != nil {
		return nil
	}
	var out []Entry
	for _, e := range entries {
		if e.Message() == msg {
			out = append(out, e)
		}
	}
	return out
}

// NewTestLogger returns a debug-level JSON logger and the buffer it writes to.
func NewTestLogger(t *testing.T) (*slog.Logger, *TestLogBuffer) {
	t.Helper()
	buf := &TestLogBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func AssertLogContains(t *testing.T, buf *TestLogBuffer, content string) {
	t.Helper()
	if logs := buf.String(); !strings.Contains(logs, content) {
		t.Errorf("log output missing %q:\n%s", content, logs)
	}
}

func AssertLogNotContains(t *testing.T, buf *TestLogBuffer, content string) {
	t.Helper()
	if logs := buf.String(); strings.Contains(logs, content) {
		t.Errorf("log output unexpectedly contains %q:\n%s", content, logs)
	}
}
