// Package config handles configuration loading, validation, and management for agentd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"agentd/internal/findings"
)

// Version is the current configuration schema version.
const Version = 1

// StateDirName is the per-working-tree state directory, relative to the root.
const StateDirName = ".agentd"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Workspace locates the working tree and its persisted state.
	Workspace WorkspaceConfig `toml:"workspace" json:"workspace" yaml:"workspace"`

	// Policy holds the scoring thresholds and tier watermarks.
	Policy findings.Policy `toml:"policy" json:"policy" yaml:"policy"`

	// Lock configures the file lock manager.
	Lock LockConfig `toml:"lock" json:"lock" yaml:"lock"`

	// History configures the SQLite ledger.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// HTTP configures the health and metrics endpoint.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// PIDFile guards against a second daemon on the same working tree.
	PIDFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`
}

// WorkspaceConfig locates the working tree.
type WorkspaceConfig struct {
	// Root is the working tree agents operate on.
	Root string `toml:"root" json:"root" yaml:"root"`

	// StateDir holds tier files, the index and checksum sidecars.
	// Defaults to <root>/.agentd.
	StateDir string `toml:"state_dir" json:"state_dir" yaml:"state_dir"`

	// BackupDir, if set, is used to repair corrupted state files at startup.
	BackupDir string `toml:"backup_dir" json:"backup_dir" yaml:"backup_dir"`
}

// LockConfig configures the file lock manager.
type LockConfig struct {
	// DefaultTimeoutMs is how long scoped acquisitions wait.
	// 0 tries once; -1 waits indefinitely.
	DefaultTimeoutMs int `toml:"default_timeout_ms" json:"default_timeout_ms" yaml:"default_timeout_ms"`

	// HashChunkSize is the read size used when computing file versions.
	HashChunkSize int `toml:"hash_chunk_size" json:"hash_chunk_size" yaml:"hash_chunk_size"`
}

// DefaultTimeout returns DefaultTimeoutMs as a duration. Negative values
// mean wait forever.
func (l LockConfig) DefaultTimeout() time.Duration {
	if l.DefaultTimeoutMs < 0 {
		return -1
	}
	return time.Duration(l.DefaultTimeoutMs) * time.Millisecond
}

// HistoryConfig configures the SQLite ledger.
type HistoryConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path to the database. Defaults to <state_dir>/history.db.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// HTTPConfig configures the health and metrics endpoint.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is used when Output is "file" or "both".
	// Defaults to <state_dir>/agentd.log.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// working tree in the current directory. Paths derived from the root are
// left empty until Resolve.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		Policy: findings.DefaultPolicy(),
		Lock: LockConfig{
			DefaultTimeoutMs: 30000,
			HashChunkSize:    64 * 1024,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9477",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// Resolve makes the workspace root absolute and fills every path that
// defaults relative to it.
func (c *Config) Resolve() error {
	root, err := filepath.Abs(expandPath(c.Workspace.Root))
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	c.Workspace.Root = root

	if c.Workspace.StateDir == "" {
		c.Workspace.StateDir = filepath.Join(root, StateDirName)
	} else {
		c.Workspace.StateDir = c.resolvePath(c.Workspace.StateDir)
	}
	if c.Workspace.BackupDir != "" {
		c.Workspace.BackupDir = c.resolvePath(c.Workspace.BackupDir)
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.Workspace.StateDir, "history.db")
	} else {
		c.History.Path = c.resolvePath(c.History.Path)
	}
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(c.Workspace.StateDir, "agentd.pid")
	} else {
		c.PIDFile = c.resolvePath(c.PIDFile)
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Workspace.StateDir, "agentd.log")
	} else {
		c.Logging.FilePath = c.resolvePath(c.Logging.FilePath)
	}
	return nil
}

// resolvePath interprets relative paths against the workspace root.
func (c *Config) resolvePath(p string) string {
	p = expandPath(p)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Workspace.Root, p)
}

// ConfigPath returns the default configuration file for the working tree at
// root.
func ConfigPath(root string) string {
	return filepath.Join(root, StateDirName, "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// resolves paths. A missing file yields the defaults. TOML, JSON and YAML
// are selected by extension.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Workspace.StateDir,
		filepath.Dir(c.History.Path),
		filepath.Dir(c.PIDFile),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with AGENTD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AGENTD_ROOT"); v != "" {
		c.Workspace.Root = v
	}
	if v := os.Getenv("AGENTD_STATE_DIR"); v != "" {
		c.Workspace.StateDir = v
	}
	if v := os.Getenv("AGENTD_BACKUP_DIR"); v != "" {
		c.Workspace.BackupDir = v
	}

	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AGENTD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("AGENTD_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("AGENTD_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
		c.HTTP.Enabled = true
	}
	if v := os.Getenv("AGENTD_LOCK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Lock.DefaultTimeoutMs = ms
		}
	}
	if v := os.Getenv("AGENTD_PID_FILE"); v != "" {
		c.PIDFile = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
