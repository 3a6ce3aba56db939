package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CLIPSYNC_DATA_DIR", tempDir)

	firstCfg, firstDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstDir)
	}
	if firstCfg.DeviceName == "" {
		t.Fatalf("expected non-empty device name")
	}
	if !firstCfg.AutoSync || !firstCfg.SyncText {
		t.Fatalf("expected auto sync and text sync on by default, got %+v", firstCfg)
	}
	if firstCfg.SyncFiles {
		t.Fatalf("expected file sync off by default")
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default listening port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
	}

	secondCfg, secondDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondDir != firstDir {
		t.Fatalf("expected data dir to be stable, got %q then %q", firstDir, secondDir)
	}
	if secondCfg.DeviceName != firstCfg.DeviceName {
		t.Fatalf("expected stable device name, got %q then %q", firstCfg.DeviceName, secondCfg.DeviceName)
	}
}

func TestLoadOrCreateNormalizesInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CLIPSYNC_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	broken := &Settings{
		DeviceName:        "Broken",
		ListeningPort:     -1,
		MaxItemSizeMB:     0,
		HistoryDays:       0,
		HistoryMaxEntries: -5,
		DebounceMillis:    0,
		PollMillis:        0,
	}
	if err := Save(ConfigPath(tempDir), broken); err != nil {
		t.Fatalf("Save broken config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected normalized listening port %d, got %d", DefaultListeningPort, cfg.ListeningPort)
	}
	if cfg.HistoryDays != DefaultHistoryDays {
		t.Fatalf("expected normalized history days %d, got %d", DefaultHistoryDays, cfg.HistoryDays)
	}
	if cfg.DebounceMillis != DefaultDebounceMillis {
		t.Fatalf("expected normalized debounce %d, got %d", DefaultDebounceMillis, cfg.DebounceMillis)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load after normalize failed: %v", err)
	}
	if reloaded.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected normalized values to be persisted, got %d", reloaded.ListeningPort)
	}
}

func TestKeysDirLayout(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	if KeysDir(tempDir) != filepath.Join(tempDir, "keys") {
		t.Fatalf("unexpected keys dir %q", KeysDir(tempDir))
	}
}
