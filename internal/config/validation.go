package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"

	"agentd/internal/findings"
)

// ErrInvalidConfig is matched by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports whether target is ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of every field with a problem.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig performs comprehensive validation of the configuration.
// It expects paths to have been resolved.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateWorkspace(&c.Workspace)...)
	errs = append(errs, validatePolicy(&c.Policy)...)
	errs = append(errs, validateLock(&c.Lock)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateWorkspace(w *WorkspaceConfig) ValidationErrors {
	var errs ValidationErrors

	if w.Root == "" {
		errs = append(errs, *RequiredFieldError("workspace.root"))
	} else if info, err := os.Stat(w.Root); err != nil {
		errs = append(errs, ValidationError{
			Field:   "workspace.root",
			Message: fmt.Sprintf("cannot access %s: %v", w.Root, err),
		})
	} else if !info.IsDir() {
		errs = append(errs, ValidationError{
			Field:   "workspace.root",
			Message: fmt.Sprintf("%s is not a directory", w.Root),
		})
	}

	if w.StateDir == "" {
		errs = append(errs, *RequiredFieldError("workspace.state_dir"))
	}
	if w.BackupDir != "" && filepath.Clean(w.BackupDir) == filepath.Clean(w.StateDir) {
		errs = append(errs, ValidationError{
			Field:   "workspace.backup_dir",
			Message: "backup directory must differ from the state directory",
		})
	}

	return errs
}

func validatePolicy(p *findings.Policy) ValidationErrors {
	var errs ValidationErrors

	unit := func(field string, v float64) {
		if v < 0 || v > 1 || math.IsNaN(v) {
			errs = append(errs, *RangeError(field, 0, 1))
		}
	}
	unit("policy.immediate_threshold", p.ImmediateThreshold)
	unit("policy.relevant_threshold", p.RelevantThreshold)

	if p.RelevantThreshold > p.ImmediateThreshold {
		errs = append(errs, ValidationError{
			Field:   "policy.relevant_threshold",
			Message: fmt.Sprintf("must not exceed immediate_threshold (%v > %v)", p.RelevantThreshold, p.ImmediateThreshold),
		})
	}

	if p.TrimTarget <= 0 {
		errs = append(errs, ValidationError{
			Field:   "policy.trim_target",
			Message: "trim target must be positive",
		})
	}
	if p.HighWatermark <= p.TrimTarget {
		errs = append(errs, ValidationError{
			Field:   "policy.high_watermark",
			Message: fmt.Sprintf("must exceed trim_target (%d <= %d)", p.HighWatermark, p.TrimTarget),
		})
	}

	w := p.SeverityWeights
	for _, sw := range []struct {
		field string
		v     float64
	}{
		{"policy.severity_weights.error", w.Error},
		{"policy.severity_weights.warning", w.Warning},
		{"policy.severity_weights.info", w.Info},
		{"policy.severity_weights.style", w.Style},
	} {
		unit(sw.field, sw.v)
	}

	return errs
}

func validateLock(l *LockConfig) ValidationErrors {
	var errs ValidationErrors

	if l.DefaultTimeoutMs < -1 {
		errs = append(errs, ValidationError{
			Field:   "lock.default_timeout_ms",
			Message: "timeout must be -1 (wait forever), 0 (try once) or positive",
		})
	}
	if l.HashChunkSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "lock.hash_chunk_size",
			Message: "chunk size must be positive",
		})
	}

	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	if h.Enabled && h.Path == "" {
		return ValidationErrors{*RequiredFieldError("history.path")}
	}
	return nil
}

func validateHTTP(h *HTTPConfig) ValidationErrors {
	if !h.Enabled {
		return nil
	}
	if h.Listen == "" {
		return ValidationErrors{*RequiredFieldError("http.listen")}
	}
	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		return ValidationErrors{{
			Field:   "http.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", h.Listen, err),
		}}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	case "":
		errs = append(errs, *RequiredFieldError("logging.output"))
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
