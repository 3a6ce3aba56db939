// Package config manages persistent local settings for the sync daemon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "clipsync"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 47820
	// DefaultDebounceMillis coalesces rapid local clipboard changes.
	DefaultDebounceMillis = 300
	// DefaultPollMillis is the clipboard sampling interval.
	DefaultPollMillis = 500
	// DefaultHistoryDays is the retention window for clipboard history.
	DefaultHistoryDays = 30
	// DefaultHistoryMaxEntries caps the history table size.
	DefaultHistoryMaxEntries = 500
	// DefaultMaxItemSizeMB caps the size of synced clipboard items.
	DefaultMaxItemSizeMB = 10
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Settings contains persistent local-device settings.
type Settings struct {
	DeviceName        string `json:"device_name"`
	ListeningPort     int    `json:"listening_port"`
	AutoSync          bool   `json:"auto_sync"`
	SyncText          bool   `json:"sync_text"`
	SyncImages        bool   `json:"sync_images"`
	SyncFiles         bool   `json:"sync_files"`
	MaxItemSizeMB     int    `json:"max_item_size_mb"`
	HistoryEnabled    bool   `json:"history_enabled"`
	HistoryDays       int    `json:"history_days"`
	HistoryMaxEntries int    `json:"history_max_entries"`
	RelayURL          string `json:"relay_url"`
	DebounceMillis    int    `json:"debounce_ms"`
	PollMillis        int    `json:"clipboard_poll_ms"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CLIPSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CLIPSYNC_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// KeysDir returns the directory holding the identity and storage keys.
func KeysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Settings) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultSettings()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultSettings() *Settings {
	deviceName := "Clipboard Sync Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &Settings{
		DeviceName:        deviceName,
		ListeningPort:     DefaultListeningPort,
		AutoSync:          true,
		SyncText:          true,
		SyncImages:        true,
		SyncFiles:         false,
		MaxItemSizeMB:     DefaultMaxItemSizeMB,
		HistoryEnabled:    true,
		HistoryDays:       DefaultHistoryDays,
		HistoryMaxEntries: DefaultHistoryMaxEntries,
		RelayURL:          "",
		DebounceMillis:    DefaultDebounceMillis,
		PollMillis:        DefaultPollMillis,
	}
}

func normalizeDefaults(cfg *Settings) bool {
	updated := false

	if cfg.DeviceName == "" {
		deviceName := "Clipboard Sync Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if cfg.MaxItemSizeMB <= 0 {
		cfg.MaxItemSizeMB = DefaultMaxItemSizeMB
		updated = true
	}

	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = DefaultHistoryDays
		updated = true
	}

	if cfg.HistoryMaxEntries <= 0 {
		cfg.HistoryMaxEntries = DefaultHistoryMaxEntries
		updated = true
	}

	if cfg.DebounceMillis <= 0 {
		cfg.DebounceMillis = DefaultDebounceMillis
		updated = true
	}

	if cfg.PollMillis <= 0 {
		cfg.PollMillis = DefaultPollMillis
		updated = true
	}

	return updated
}
