package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	cfg.Server.Listen = ":9000"
	cfg.Client.APIBase = "http://chat.example.com/api"
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
	if loaded.Server.Listen != ":9000" {
		t.Errorf("Server.Listen = %q, want %q", loaded.Server.Listen, ":9000")
	}
	if loaded.Client.APIBase != "http://chat.example.com/api" {
		t.Errorf("Client.APIBase = %q, want %q", loaded.Client.APIBase, "http://chat.example.com/api")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{}); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Client.ProbeIntervalSec != 30 {
		t.Errorf("ProbeIntervalSec = %d, want 30", loaded.Client.ProbeIntervalSec)
	}
	if loaded.Client.PollIntervalSec != 15 {
		t.Errorf("PollIntervalSec = %d, want 15", loaded.Client.PollIntervalSec)
	}
	if loaded.Server.Listen == "" {
		t.Error("Server.Listen not defaulted")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
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
