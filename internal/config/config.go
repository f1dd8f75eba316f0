package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FelixBand/Bandit/internal/progress"
)

// ResumePolicy controls what happens when a job targets a destination
// that already contains a partial tree from an interrupted install.
type ResumePolicy string

const (
	// ResumeFresh removes the existing destination tree and starts over.
	ResumeFresh ResumePolicy = "fresh"

	// ResumeAttempt keeps the existing tree and re-streams the archive
	// from byte zero, overwriting every entry. No on-disk progress is
	// trusted; everything is re-verified by rewriting it.
	ResumeAttempt ResumePolicy = "attemptResume"
)

// Valid reports whether p is a known policy.
func (p ResumePolicy) Valid() bool {
	return p == ResumeFresh || p == ResumeAttempt
}

// Config defines configuration for the bandit CLI.
type Config struct {
	ServerURL        string        `yaml:"server_url"`
	Platform         string        `yaml:"platform"`
	InstallRoot      string        `yaml:"install_root"`
	ChunkSize        int64         `yaml:"chunk_size"`
	ChunkBuffer      int           `yaml:"chunk_buffer"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ResumePolicy     ResumePolicy  `yaml:"resume_policy"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior for transient network failures.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		ServerURL:        "https://thuis.felixband.nl/bandit",
		Platform:         DefaultPlatform(),
		InstallRoot:      DefaultInstallRoot(),
		ChunkSize:        128 * 1024,
		ChunkBuffer:      8,
		ProgressInterval: 200 * time.Millisecond,
		ReadTimeout:      30 * time.Second,
		ResumePolicy:     ResumeFresh,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// DefaultPlatform maps the runtime OS to the platform directory names the
// Bandit file server publishes under (Python's platform.system() values).
func DefaultPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "Darwin"
	default:
		return "Linux"
	}
}

// DefaultInstallRoot returns the per-OS default games directory.
func DefaultInstallRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "games")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Bandit Game Launcher", "games")
	}
	return filepath.Join(home, ".banditgamelauncher", "games")
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	ServerURL        string          `yaml:"server_url"`
	Platform         string          `yaml:"platform"`
	InstallRoot      string          `yaml:"install_root"`
	ChunkSize        string          `yaml:"chunk_size"`
	ChunkBuffer      int             `yaml:"chunk_buffer"`
	ProgressInterval string          `yaml:"progress_interval"`
	ReadTimeout      string          `yaml:"read_timeout"`
	ResumePolicy     string          `yaml:"resume_policy"`
	Retry            yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.ServerURL != "" {
		cfg.ServerURL = yc.ServerURL
	}
	if yc.Platform != "" {
		cfg.Platform = yc.Platform
	}
	if yc.InstallRoot != "" {
		cfg.InstallRoot = yc.InstallRoot
	}
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if yc.ChunkBuffer != 0 {
		cfg.ChunkBuffer = yc.ChunkBuffer
	}
	if yc.ProgressInterval != "" {
		d, err := time.ParseDuration(yc.ProgressInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse progress_interval: %w", err)
		}
		cfg.ProgressInterval = d
	}
	if yc.ReadTimeout != "" {
		d, err := time.ParseDuration(yc.ReadTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.ReadTimeout = d
	}
	if yc.ResumePolicy != "" {
		cfg.ResumePolicy = ResumePolicy(yc.ResumePolicy)
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the BANDIT_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("BANDIT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("BANDIT_PLATFORM"); v != "" {
		c.Platform = v
	}
	if v := os.Getenv("BANDIT_INSTALL_ROOT"); v != "" {
		c.InstallRoot = v
	}
	if v := os.Getenv("BANDIT_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("BANDIT_CHUNK_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_CHUNK_BUFFER: %w", err)
		}
		c.ChunkBuffer = n
	}
	if v := os.Getenv("BANDIT_PROGRESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_PROGRESS_INTERVAL: %w", err)
		}
		c.ProgressInterval = d
	}
	if v := os.Getenv("BANDIT_READ_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_READ_TIMEOUT: %w", err)
		}
		c.ReadTimeout = d
	}
	if v := os.Getenv("BANDIT_RESUME_POLICY"); v != "" {
		c.ResumePolicy = ResumePolicy(v)
	}
	if v := os.Getenv("BANDIT_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("BANDIT_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("BANDIT_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BANDIT_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("config: server_url is required")
	}
	if c.InstallRoot == "" {
		return errors.New("config: install_root is required")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.ChunkBuffer <= 0 {
		return errors.New("config: chunk_buffer must be positive")
	}
	// The observer contract caps progress events at ~10/second.
	if c.ProgressInterval < 100*time.Millisecond {
		return errors.New("config: progress_interval must be at least 100ms")
	}
	if !c.ResumePolicy.Valid() {
		return fmt.Errorf("config: unknown resume_policy %q", c.ResumePolicy)
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	return nil
}
