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
	cfg.DefaultProfile = "work"
	cfg.Transport.Kind = TransportNATS
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Transport.Kind != TransportNATS {
		t.Errorf("Transport.Kind = %q, want %q", loaded.Transport.Kind, TransportNATS)
	}
	if loaded.Session.Lifetime != 12*time.Hour {
		t.Errorf("Session.Lifetime = %v, want 12h", loaded.Session.Lifetime)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[sync]\nreadiness_delay = \"750ms\"\n\n[language]\nlocal = \"pt\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.ReadinessDelay != 750*time.Millisecond {
		t.Errorf("ReadinessDelay = %v, want 750ms", cfg.Sync.ReadinessDelay)
	}
	if cfg.Sync.HistoryTimeout != 10*time.Second {
		t.Errorf("HistoryTimeout = %v, want default 10s", cfg.Sync.HistoryTimeout)
	}
	if cfg.Language.Local != "pt" || cfg.Language.Partner != "es" {
		t.Errorf("Language = %+v, want local=pt partner=es", cfg.Language)
	}
}

func TestResolveAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PARLA_TRANSPORT", "nats")
	t.Setenv("PARLA_RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("PARLA_SESSION_LIFETIME", "1h")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != TransportNATS {
		t.Errorf("Transport.Kind = %q, want nats", cfg.Transport.Kind)
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Session.Lifetime != time.Hour {
		t.Errorf("Lifetime = %v, want 1h", cfg.Session.Lifetime)
	}
}

func TestResolveRejectsUnknownTransport(t *testing.T) {
	t.Setenv("PARLA_TRANSPORT", "carrier-pigeon")
	if _, err := Resolve(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Resolve() expected error for unknown transport")
	}
}

func TestSendPolicyHasAtLeastOneAttempt(t *testing.T) {
	cfg := Default()
	cfg.Sync.SendAttempts = 0
	if got := cfg.SendPolicy().MaxAttempts; got != 1 {
		t.Errorf("SendPolicy().MaxAttempts = %d, want 1", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
