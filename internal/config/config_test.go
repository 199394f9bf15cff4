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

	cfg := &Config{
		DefaultSession:   "work",
		AuthUserID:       "u1",
		ProjectID:        "chatupp-dev",
		CoalesceWindowMS: 250,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.AuthUserID != "u1" {
		t.Errorf("AuthUserID = %q, want u1", loaded.AuthUserID)
	}
	if loaded.CoalesceWindow() != 250*time.Millisecond {
		t.Errorf("CoalesceWindow() = %v, want 250ms", loaded.CoalesceWindow())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestCoalesceWindowUnset(t *testing.T) {
	cfg := &Config{}
	if cfg.CoalesceWindow() != 0 {
		t.Errorf("CoalesceWindow() = %v, want 0 for unset config", cfg.CoalesceWindow())
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
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
