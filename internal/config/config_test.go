package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "field"
	cfg.Connection.AutoConnectDevice = "C0:FF:EE:00:11:22"
	cfg.Reconnect.UITimeout = Duration{20 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "field" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "field")
	}
	if loaded.Connection.AutoConnectDevice != "C0:FF:EE:00:11:22" {
		t.Errorf("AutoConnectDevice = %q", loaded.Connection.AutoConnectDevice)
	}
	if loaded.Reconnect.UITimeout.Duration != 20*time.Second {
		t.Errorf("UITimeout = %v, want 20s", loaded.Reconnect.UITimeout.Duration)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "default_profile = \"lab\"\n\n[sync]\nresync_attempts = 5\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.ResyncAttempts != 5 {
		t.Errorf("ResyncAttempts = %d, want 5", cfg.Sync.ResyncAttempts)
	}
	if cfg.Sync.SuppressionWatchdog.Duration != 120*time.Second {
		t.Errorf("SuppressionWatchdog = %v, want default 2m0s", cfg.Sync.SuppressionWatchdog.Duration)
	}
	if cfg.Connection.BaseDelay.Duration != 300*time.Millisecond {
		t.Errorf("BaseDelay = %v, want default 300ms", cfg.Connection.BaseDelay.Duration)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[reconnect]\nceiling = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for malformed duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
