package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yeti47/chunkvault/config"
	"github.com/yeti47/chunkvault/segments"
)

func setupCommandTest(t *testing.T, driver string) string {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DatabaseDriver = driver
	cfg.DatabasePath = filepath.Join(dir, "chunkvault.db")
	cfg.LogPath = ""
	cfg.LogLevel = "error"
	cfg.MetricsEnabled = false
	cfg.Capture.Mock = true

	path := filepath.Join(dir, "chunkvault.yaml")
	if err := cfg.SaveConfig(path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}
	return path
}

func seedSegments(t *testing.T, cfgPath string, n int) {
	t.Helper()
	configPath = cfgPath
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	a, err := newApp(cfg, "chunkvault-test")
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	defer a.Close()

	for i := 1; i <= n; i++ {
		_, err := a.segments.Create(context.Background(), segments.NewSegment{
			SessionID:      "session-1",
			SequenceNumber: i,
			Payload:        []byte("0123456789"),
			MimeType:       "audio/webm",
			Duration:       5 * time.Second,
		})
		if err != nil {
			t.Fatalf("Failed to create segment: %v", err)
		}
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSegmentsListCommand(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfgPath := setupCommandTest(t, driver)
			seedSegments(t, cfgPath, 3)

			out, err := runCommand(t, "--config", cfgPath, "segments", "list", "--limit", "2")
			if err != nil {
				t.Fatalf("segments list failed: %v", err)
			}
			if !strings.Contains(out, "2 of 3 segments") {
				t.Errorf("Expected paging summary in output, got %q", out)
			}
			if !strings.Contains(out, "recording_") {
				t.Errorf("Expected default display names in output, got %q", out)
			}
		})
	}
}

func TestSegmentsListCommand_InvalidState(t *testing.T) {
	cfgPath := setupCommandTest(t, "sqlite3")

	_, err := runCommand(t, "--config", cfgPath, "segments", "list", "--state", "lost")
	if err == nil {
		t.Fatal("Expected error for unknown state")
	}
	if !segments.IsValidationError(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestSegmentsListCommand_ZeroLimit(t *testing.T) {
	cfgPath := setupCommandTest(t, "sqlite3")
	defer func() { listLimit = segments.DefaultListLimit }()

	_, err := runCommand(t, "--config", cfgPath, "segments", "list", "--limit", "0")
	if !segments.IsValidationError(err) {
		t.Errorf("Expected validation error for limit 0, got %v", err)
	}
}

func TestEvictCommand(t *testing.T) {
	cfgPath := setupCommandTest(t, "sqlite3")
	seedSegments(t, cfgPath, 2)

	out, err := runCommand(t, "--config", cfgPath, "evict")
	if err != nil {
		t.Fatalf("evict failed: %v", err)
	}
	if !strings.Contains(out, "nothing to evict") {
		t.Errorf("Expected no eviction under capacity, got %q", out)
	}

	_, err = runCommand(t, "--config", cfgPath, "evict", "--fraction", "2")
	if err == nil {
		t.Error("Expected error for fraction above 1")
	}
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	cfgPath := setupCommandTest(t, "sqlite3")

	configPath = cfgPath
	driver := "sqlite"
	overrides = config.ConfigOverrides{DatabaseDriver: &driver}
	defer func() { overrides = config.ConfigOverrides{} }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("Expected driver override sqlite, got %s", cfg.DatabaseDriver)
	}
	if !cfg.Capture.Mock {
		t.Error("Expected mock capture from the config file")
	}
}
