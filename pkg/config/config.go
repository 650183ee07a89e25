// Package config provides configuration management for rollcall.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrCodeEU/rollcall/pkg/policy"
)

// Gallery sources.
const (
	SourceImages = "images"
	SourceVault  = "vault"
)

// Key backends.
const (
	KeyBackendFile    = "file"
	KeyBackendKeyring = "keyring"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvDatabaseDSN = "ROLLCALL_DATABASE_DSN"
	EnvKeyDir      = "ROLLCALL_KEY_DIR"
	EnvLogLevel    = "ROLLCALL_LOG_LEVEL"
	EnvModelPath   = "ROLLCALL_MODEL_PATH"
)

// Config holds all rollcall configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Gallery     GalleryConfig     `yaml:"gallery"`
	Keys        KeysConfig        `yaml:"keys"`
	Policy      PolicyConfig      `yaml:"policy"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera settings. Device is either a capture index or a
// device path.
type CameraConfig struct {
	Device    string  `yaml:"device"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	Downscale float64 `yaml:"downscale"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	Tolerance  float64  `yaml:"tolerance"`
	ModelPath  string   `yaml:"model_path"`
	UseCNN     bool     `yaml:"use_cnn"`
	Workers    int      `yaml:"workers"`
	Extensions []string `yaml:"extensions"`
}

// GalleryConfig selects where session references come from.
type GalleryConfig struct {
	Root   string `yaml:"root"`
	Source string `yaml:"source"`
}

// KeysConfig holds key store settings.
type KeysConfig struct {
	Backend        string `yaml:"backend"`
	Dir            string `yaml:"dir"`
	KeyringService string `yaml:"keyring_service"`
}

// PolicyConfig holds the template lifecycle limits.
type PolicyConfig struct {
	policy.Thresholds   `yaml:",inline"`
	ValidityDays        int `yaml:"validity_days"`
	DefaultQualityScore int `yaml:"default_quality_score"`
}

// DatabaseConfig holds the record store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/rollcall")
	return &Config{
		Camera: CameraConfig{
			Device:    "0",
			Width:     640,
			Height:    480,
			Downscale: 0.5,
		},
		Recognition: RecognitionConfig{
			Tolerance:  0.6,
			ModelPath:  filepath.Join(dataDir, "models"),
			Workers:    4,
			Extensions: []string{".jpg", ".jpeg", ".png"},
		},
		Gallery: GalleryConfig{
			Root:   filepath.Join(dataDir, "images"),
			Source: SourceImages,
		},
		Keys: KeysConfig{
			Backend:        KeyBackendFile,
			Dir:            filepath.Join(dataDir, "keys"),
			KeyringService: "rollcall",
		},
		Policy: PolicyConfig{
			Thresholds:          policy.DefaultThresholds(),
			ValidityDays:        policy.DefaultValidityDays,
			DefaultQualityScore: 90,
		},
		Database: DatabaseConfig{
			DSN: filepath.Join(dataDir, "rollcall.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/rollcall/rollcall.yaml"); err == nil {
		return Load("/etc/rollcall/rollcall.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/rollcall/rollcall.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv overrides settings from ROLLCALL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvKeyDir); v != "" {
		c.Keys.Dir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Recognition.ModelPath = v
	}
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Downscale <= 0 || c.Camera.Downscale > 1 {
		return fmt.Errorf("downscale must be in (0, 1], got %f", c.Camera.Downscale)
	}

	if c.Recognition.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", c.Recognition.Tolerance)
	}
	if c.Recognition.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Recognition.Workers)
	}

	switch c.Gallery.Source {
	case SourceImages, SourceVault:
	default:
		return fmt.Errorf("invalid gallery source: %s (must be images or vault)", c.Gallery.Source)
	}

	switch c.Keys.Backend {
	case KeyBackendFile:
		if c.Keys.Dir == "" {
			return fmt.Errorf("keys.dir is required for the file backend")
		}
	case KeyBackendKeyring:
		if c.Keys.KeyringService == "" {
			return fmt.Errorf("keys.keyring_service is required for the keyring backend")
		}
	default:
		return fmt.Errorf("invalid key backend: %s (must be file or keyring)", c.Keys.Backend)
	}

	p := c.Policy
	if p.ReverifyAfterDays <= 0 || p.MaxUsageCount <= 0 || p.ValidityDays <= 0 {
		return fmt.Errorf("policy limits must be positive")
	}
	if p.MinQualityScore < 0 || p.MinQualityScore > 100 {
		return fmt.Errorf("min_quality_score must be between 0 and 100, got %d", p.MinQualityScore)
	}
	if p.DefaultQualityScore < 0 || p.DefaultQualityScore > 100 {
		return fmt.Errorf("default_quality_score must be between 0 and 100, got %d", p.DefaultQualityScore)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration. Numeric camera devices
// are left alone.
func (c *Config) ExpandPaths() {
	if _, err := strconv.Atoi(c.Camera.Device); err != nil {
		c.Camera.Device = ExpandPath(c.Camera.Device)
	}
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Gallery.Root = ExpandPath(c.Gallery.Root)
	c.Keys.Dir = ExpandPath(c.Keys.Dir)
	if c.Database.DSN != ":memory:" {
		c.Database.DSN = ExpandPath(c.Database.DSN)
	}
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories for the database, keys and logs.
// Key directories are created by the key store itself with restricted
// permissions.
func (c *Config) EnsureDirectories() error {
	if c.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(c.Database.DSN), 0700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// Thresholds returns the lifecycle policy thresholds.
func (c *Config) Thresholds() policy.Thresholds {
	return c.Policy.Thresholds
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
