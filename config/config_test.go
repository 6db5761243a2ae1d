package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.WebPort != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.WebPort)
	}
	if cfg.Storage.TargetFraction != 0.7 {
		t.Errorf("Expected default target fraction 0.7, got %v", cfg.Storage.TargetFraction)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkvault.yaml")
	content := `
web_port: 9090
database_driver: sqlite
database_path: /tmp/cv.db
sync:
  enabled: true
  remote_url: http://archive.local
  batch_size: 5
  concurrency: 3
storage:
  target_fraction: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.WebPort != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.WebPort)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("Expected driver sqlite, got %s", cfg.DatabaseDriver)
	}
	if cfg.Sync.BatchSize != 5 || cfg.Sync.Concurrency != 3 {
		t.Errorf("Expected batch 5 / concurrency 3, got %d / %d", cfg.Sync.BatchSize, cfg.Sync.Concurrency)
	}
	if cfg.Storage.TargetFraction != 0.5 {
		t.Errorf("Expected target fraction 0.5, got %v", cfg.Storage.TargetFraction)
	}
	// untouched fields keep their defaults
	if cfg.Capture.MimeType != "audio/webm" {
		t.Errorf("Expected default mime type, got %s", cfg.Capture.MimeType)
	}
}

func TestLoadConfig_InvalidFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"web_port": 70000}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected validation error for port 70000")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, name := range []string{"cfg.json", "cfg.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.WebPort = 8181
			cfg.SMTP.Host = "mail.local"

			if err := cfg.SaveConfig(path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			if loaded.WebPort != 8181 || loaded.SMTP.Host != "mail.local" {
				t.Errorf("Expected saved values back, got port %d host %s", loaded.WebPort, loaded.SMTP.Host)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	cfg := DefaultConfig()
	port := 9999
	url := "http://remote"
	empty := ""
	cfg.Override(ConfigOverrides{WebPort: &port, RemoteURL: &url, DatabasePath: &empty})

	if cfg.WebPort != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.WebPort)
	}
	if !cfg.Sync.Enabled || cfg.Sync.RemoteURL != url {
		t.Errorf("Expected sync enabled with %s, got %v %s", url, cfg.Sync.Enabled, cfg.Sync.RemoteURL)
	}
	if cfg.DatabasePath == "" {
		t.Error("Expected empty override to be ignored")
	}
}
