package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport is written to the crash directory when a goroutine panics.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	Operation    string         `json:"operation"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler turns panics in daemon goroutines into logged crash reports.
//
// Recover must be deferred directly:
//
//	defer h.Recover("http-server", nil)
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
	logger  *Logger
	onCrash func(CrashReport)
}

// NewCrashHandler writes reports to dir. onCrash may be nil.
func NewCrashHandler(dir, version string, logger *Logger, onCrash func(CrashReport)) *CrashHandler {
	if logger == nil {
		logger = Nop()
	}
	return &CrashHandler{
		dir:     dir,
		version: version,
		logger:  logger,
		onCrash: onCrash,
	}
}

// Recover recovers a panic in the calling goroutine and records it. The
// panic is not re-raised.
func (h *CrashHandler) Recover(op string, ctx map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(op, r, ctx)
	}
}

// Go runs fn in a new goroutine guarded by Recover.
func (h *CrashHandler) Go(op string, fn func()) {
	go func() {
		defer h.Recover(op, nil)
		fn()
	}()
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(op string, value any, ctx map[string]any) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Operation:    op,
		PanicValue:   fmt.Sprintf("%v", value),
		StackTrace:   string(debug.Stack()),
		Context:      ctx,
	}

	h.mu.Lock()
	path, err := h.write(report)
	h.mu.Unlock()

	attrs := []any{"operation", op, "panic", report.PanicValue}
	if err != nil {
		attrs = append(attrs, "dump_error", err)
	} else {
		attrs = append(attrs, "dump", path)
	}
	h.logger.Error("recovered panic", attrs...)

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.dir == "" {
		return "", fmt.Errorf("no crash directory")
	}
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%d.json", report.Timestamp.Format("20060102-150405"), report.Timestamp.Nanosecond())
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns every readable crash report, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Prune removes crash reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
