package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CaptureConfig describes the external encoder process used as the capture source.
type CaptureConfig struct {
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args" yaml:"args"`
	MimeType string   `json:"mime_type" yaml:"mime_type"`
	// Mock replaces the encoder process with a synthetic byte source.
	Mock bool `json:"mock" yaml:"mock"`
}

type SyncConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	RemoteURL       string `json:"remote_url" yaml:"remote_url"`
	APIKey          string `json:"api_key" yaml:"api_key"`
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"`
	BatchSize       int    `json:"batch_size" yaml:"batch_size"`
	Concurrency     int    `json:"concurrency" yaml:"concurrency"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type StorageConfig struct {
	EvictionIntervalSeconds int     `json:"eviction_interval_seconds" yaml:"eviction_interval_seconds"`
	TargetFraction          float64 `json:"target_fraction" yaml:"target_fraction"`
	WarningThresholdPercent int     `json:"warning_threshold_percent" yaml:"warning_threshold_percent"`
	// CacheBytes bounds the in-memory cache of decoded payloads. Zero disables it.
	CacheBytes int64 `json:"cache_bytes" yaml:"cache_bytes"`
	// PayloadSecret enables at-rest encryption of segment payloads when set.
	PayloadSecret string `json:"payload_secret" yaml:"payload_secret"`
}

type SMTPConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               int    `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	From               string `json:"from" yaml:"from"`
	To                 string `json:"to" yaml:"to"`
	MinIntervalMinutes int    `json:"min_interval_minutes" yaml:"min_interval_minutes"`
}

// Enabled reports whether enough is configured to send mail.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != "" && s.To != ""
}

// Config holds the process configuration. User-facing recording settings live in
// the settings store, not here.
type Config struct {
	WebAddr        string        `json:"web_addr" yaml:"web_addr"`
	WebPort        int           `json:"web_port" yaml:"web_port"`
	DatabaseDriver string        `json:"database_driver" yaml:"database_driver"`
	DatabasePath   string        `json:"database_path" yaml:"database_path"`
	LogPath        string        `json:"log_path" yaml:"log_path"`
	LogLevel       string        `json:"log_level" yaml:"log_level"`
	MetricsEnabled bool          `json:"metrics_enabled" yaml:"metrics_enabled"`
	Capture        CaptureConfig `json:"capture" yaml:"capture"`
	Sync           SyncConfig    `json:"sync" yaml:"sync"`
	Storage        StorageConfig `json:"storage" yaml:"storage"`
	SMTP           SMTPConfig    `json:"smtp" yaml:"smtp"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	dataDir := "."

	homeDir, err := os.UserHomeDir()
	if err == nil && homeDir != "" {
		dataDir = filepath.Join(homeDir, "chunkvault")
	}

	return &Config{
		WebAddr:        "127.0.0.1",
		WebPort:        8080,
		DatabaseDriver: "sqlite3",
		DatabasePath:   filepath.Join(dataDir, "chunkvault.db"),
		LogPath:        "logs",
		LogLevel:       "info",
		MetricsEnabled: true,
		Capture: CaptureConfig{
			Command: "ffmpeg",
			Args: []string{
				"-hide_banner", "-loglevel", "error",
				"-f", "pulse", "-i", "default",
				"-c:a", "libopus", "-b:a", "128k",
				"-f", "webm", "pipe:1",
			},
			MimeType: "audio/webm",
		},
		Sync: SyncConfig{
			Enabled:         false,
			IntervalSeconds: 30,
			BatchSize:       10,
			Concurrency:     2,
			TimeoutSeconds:  30,
		},
		Storage: StorageConfig{
			EvictionIntervalSeconds: 60,
			TargetFraction:          0.7,
			WarningThresholdPercent: 75,
			CacheBytes:              32 * 1024 * 1024,
		},
		SMTP: SMTPConfig{
			Port:               587,
			MinIntervalMinutes: 60,
		},
	}
}

// LoadConfig loads the configuration from a JSON or YAML file, chosen by extension.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.WebPort <= 0 || c.WebPort > 65535 {
		return fmt.Errorf("invalid web port: %d", c.WebPort)
	}
	if c.DatabaseDriver != "sqlite3" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("invalid database driver: %q", c.DatabaseDriver)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if !c.Capture.Mock && c.Capture.Command == "" {
		return fmt.Errorf("capture command is required unless capture.mock is set")
	}
	if c.Storage.TargetFraction <= 0 || c.Storage.TargetFraction > 1 {
		return fmt.Errorf("invalid storage target fraction: %v", c.Storage.TargetFraction)
	}
	if c.Storage.WarningThresholdPercent < 0 || c.Storage.WarningThresholdPercent > 100 {
		return fmt.Errorf("invalid warning threshold: %d", c.Storage.WarningThresholdPercent)
	}
	if c.Storage.CacheBytes < 0 {
		return fmt.Errorf("invalid payload cache size: %d", c.Storage.CacheBytes)
	}
	if c.Sync.Enabled {
		if c.Sync.RemoteURL == "" {
			return fmt.Errorf("sync.remote_url is required when sync is enabled")
		}
		if c.Sync.BatchSize <= 0 {
			return fmt.Errorf("invalid sync batch size: %d", c.Sync.BatchSize)
		}
		if c.Sync.Concurrency <= 0 {
			return fmt.Errorf("invalid sync concurrency: %d", c.Sync.Concurrency)
		}
	}
	return nil
}

// SaveConfig writes the configuration as JSON or YAML, chosen by extension.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigOverrides holds values from the command line that take precedence over the file.
type ConfigOverrides struct {
	WebAddr        *string
	WebPort        *int
	DatabaseDriver *string
	DatabasePath   *string
	LogLevel       *string
	RemoteURL      *string
	MockCapture    *bool
}

// Override applies every non-empty override.
func (c *Config) Override(overrides ConfigOverrides) {
	if overrides.WebAddr != nil && *overrides.WebAddr != "" {
		c.WebAddr = *overrides.WebAddr
	}
	if overrides.WebPort != nil && *overrides.WebPort > 0 {
		c.WebPort = *overrides.WebPort
	}
	if overrides.DatabaseDriver != nil && *overrides.DatabaseDriver != "" {
		c.DatabaseDriver = *overrides.DatabaseDriver
	}
	if overrides.DatabasePath != nil && *overrides.DatabasePath != "" {
		c.DatabasePath = *overrides.DatabasePath
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		c.LogLevel = *overrides.LogLevel
	}
	if overrides.RemoteURL != nil && *overrides.RemoteURL != "" {
		c.Sync.RemoteURL = *overrides.RemoteURL
		c.Sync.Enabled = true
	}
	if overrides.MockCapture != nil && *overrides.MockCapture {
		c.Capture.Mock = true
	}
}
