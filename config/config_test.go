package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yllada/systemvpn/common"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PermissionTimeout != 60*time.Second {
		t.Errorf("PermissionTimeout = %v, want 60s", cfg.PermissionTimeout)
	}
	if cfg.CredentialBackend != common.BackendAuto {
		t.Errorf("CredentialBackend = %q, want auto", cfg.CredentialBackend)
	}
	if !cfg.HistoryEnabled {
		t.Error("HistoryEnabled should be true by default")
	}
}

func TestLoadFrom_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadFrom_RoundTripAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `permission_timeout: 5s
status_poll_interval: -1s
credential_backend: vault
history_enabled: false
history_retention: 0s
log_level: chatty
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.PermissionTimeout != 5*time.Second {
		t.Errorf("PermissionTimeout = %v, want 5s", cfg.PermissionTimeout)
	}
	if cfg.StatusPollInterval != 0 {
		t.Errorf("negative StatusPollInterval should clamp to 0, got %v", cfg.StatusPollInterval)
	}
	if cfg.CredentialBackend != common.BackendAuto {
		t.Errorf("unknown backend should fall back to auto, got %q", cfg.CredentialBackend)
	}
	if cfg.HistoryEnabled {
		t.Error("HistoryEnabled should be false")
	}
	if cfg.HistoryRetention != common.HistoryRetention {
		t.Errorf("HistoryRetention = %v, want default", cfg.HistoryRetention)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFrom_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("theme: dark\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if !errors.Is(err, common.ErrConfigLoad) {
		t.Errorf("LoadFrom() error = %v, want ErrConfigLoad", err)
	}
}

func TestSaveTo_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.CredentialBackend = common.BackendFile
	cfg.HistoryPath = "/tmp/h.db"

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}
	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if loaded.CredentialBackend != common.BackendFile || loaded.HistoryPath != "/tmp/h.db" {
		t.Errorf("loaded = %+v", loaded)
	}

	got, err := loaded.ResolvedHistoryPath()
	if err != nil || got != "/tmp/h.db" {
		t.Errorf("ResolvedHistoryPath() = %q, %v", got, err)
	}
}
