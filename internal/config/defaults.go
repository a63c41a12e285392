// Package config handles configuration loading and validation for agentd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformConfigDir returns the per-user config directory, searched after
// the working tree.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/agentd/
//   - Linux:   ~/.config/agentd/
//   - Windows: %APPDATA%\agentd\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "agentd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "agentd")
		}
	case "linux":
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "agentd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "agentd")
	}
	return fallbackConfigDir()
}

func fallbackConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentd")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file for the working tree at root.
// Returns the first found path, or ConfigPath(root) if none exists.
//
// Search order:
//  1. <root>/.agentd/config.*
//  2. <root>/agentd.*
//  3. the platform config directory
func FindConfigFile(root string) string {
	candidates := []struct{ dir, base string }{
		{filepath.Join(root, StateDirName), "config"},
		{root, "agentd"},
		{PlatformConfigDir(), "config"},
	}

	for _, c := range candidates {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(c.dir, c.base+"."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ConfigPath(root)
}
