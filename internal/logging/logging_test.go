package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("expected json, got %v (%v)", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty format should be text, got %v (%v)", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error"} {
		level, _ := ParseLevel(s)
		if got := LevelString(level); got != s {
			t.Errorf("expected %q, got %q", s, got)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "agentd" {
		t.Errorf("expected component agentd, got %s", cfg.Component)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Writer = &buf
	cfg.Level = LevelDebug

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.WithComponent("lock").Info("acquired", "path", "main.go", "auth_token", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "acquired" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["path"] != "main.go" {
		t.Errorf("unexpected path: %v", entry["path"])
	}
	if entry["auth_token"] != "[REDACTED]" {
		t.Errorf("token not redacted: %v", entry["auth_token"])
	}
}

func TestTextFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	logger.Debug("scored finding", "tier", "immediate")

	out := buf.String()
	if !strings.Contains(out, "component=agentd") || !strings.Contains(out, "tier=immediate") {
		t.Errorf("unexpected text output: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf
	cfg.Level = LevelWarn

	logger, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn line missing")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"auth_token", true},
		{"credential", true},
		{"path", false},
		{"agent", false},
		{"tier", false},
		{"etag", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if result := shouldRedact(test.key); result != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, result, test.expected)
			}
		})
	}
}

func TestRequestIDs(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent("http").NewRequestID()
	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
	if !strings.HasPrefix(id1, "agentd-") {
		t.Errorf("request ID should start with component name, got %q", id1)
	}

	ctx := ContextWithRequestID(context.Background(), id1)
	if got := RequestIDFromContext(ctx); got != id1 {
		t.Errorf("expected %q, got %q", id1, got)
	}
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("nil context should yield empty ID, got %q", got)
	}

	logger.WithContext(ctx).Info("request")
	if !strings.Contains(buf.String(), id1) {
		t.Errorf("request ID missing from output: %s", buf.String())
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "agentd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = logPath

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Sync(); err != nil {
		t.Errorf("sync: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestFileRotatorRequiresPath(t *testing.T) {
	if _, err := NewFileRotator(&Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestFileRotatorSizeRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agentd.log")
	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
		Compress:   false,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	// Current file plus at most MaxBackups rotated files.
	if len(files) < 2 || len(files) > 3 {
		t.Errorf("expected current file and up to 2 backups, got %v", files)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current file exceeds max size: %d", info.Size())
	}
}

func TestFileRotatorDailyRotationCompresses(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agentd.log")
	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    100,
		MaxBackups: 5,
		Compress:   true,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC)
	rotator.now = func() time.Time { return day }
	rotator.openedAt = day

	rotator.Write([]byte("yesterday\n"))
	day = day.Add(2 * time.Minute)
	rotator.Write([]byte("today\n"))

	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	gz, _ := filepath.Glob(filepath.Join(filepath.Dir(logPath), "agentd-*.log.gz"))
	if len(gz) != 1 {
		t.Fatalf("expected one compressed backup, got %v", gz)
	}
	data, _ := os.ReadFile(logPath)
	if string(data) != "today\n" {
		t.Errorf("current file should hold only today's entry, got %q", data)
	}
}

func TestCrashHandlerRecover(t *testing.T) {
	dir := t.TempDir()
	logger, buf := newBufferLogger(t, FormatText)

	var got CrashReport
	h := NewCrashHandler(dir, "test", logger, func(r CrashReport) { got = r })

	func() {
		defer h.Recover("unit", map[string]any{"path": "a.go"})
		panic("boom")
	}()

	if got.PanicValue != "boom" || got.Operation != "unit" {
		t.Errorf("unexpected report: %+v", got)
	}
	if !strings.Contains(buf.String(), "recovered panic") {
		t.Errorf("panic not logged: %s", buf.String())
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report on disk, got %d", len(reports))
	}
	if reports[0].Context["path"] != "a.go" {
		t.Errorf("context not persisted: %+v", reports[0].Context)
	}
}

func TestCrashHandlerGo(t *testing.T) {
	done := make(chan CrashReport, 1)
	h := NewCrashHandler(t.TempDir(), "", nil, func(r CrashReport) { done <- r })

	h.Go("worker", func() { panic("worker failed") })

	select {
	case r := <-done:
		if r.Operation != "worker" {
			t.Errorf("unexpected operation %q", r.Operation)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic in goroutine was not recovered")
	}
}

func TestCrashHandlerPrune(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir, "", nil, nil)

	func() {
		defer h.Recover("old", nil)
		panic("old")
	}()

	files, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	old := time.Now().Add(-48 * time.Hour)
	for _, f := range files {
		os.Chtimes(f, old, old)
	}

	if err := h.Prune(24 * time.Hour); err != nil {
		t.Fatal(err)
	}
	reports, _ := h.Reports()
	if len(reports) != 0 {
		t.Errorf("expected old reports pruned, got %d", len(reports))
	}
}
