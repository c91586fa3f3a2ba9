// Package config provides daemon configuration: defaults, an optional YAML
// file, then environment-variable overrides, in that order. All fields have
// safe defaults so the binary runs locally without any setup beyond an API key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Root is one whitelisted library root. Jobs may only target configured
// roots. Recursive controls whether scanning descends into subdirectories.
type Root struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
}

// Config holds runtime configuration for the daemon.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // SLIDEMANAGER_LISTEN_ADDR
	LogLevel   string `yaml:"log_level"`   // SLIDEMANAGER_LOG_LEVEL
	LogJSON    bool   `yaml:"log_json"`

	Roots []Root `yaml:"roots"`

	// External binaries.
	SofficePath    string        `yaml:"soffice_path"`  // SOFFICE_PATH
	PdftoppmPath   string        `yaml:"pdftoppm_path"` // PDFTOPPM_PATH
	SofficeTimeout time.Duration `yaml:"soffice_timeout"`
	ThumbTimeout   time.Duration `yaml:"thumb_timeout"`

	// Embedding provider.
	OpenAIBaseURL  string `yaml:"openai_base_url"` // OPENAI_BASE_URL
	OpenAIAPIKey   string `yaml:"-"`               // OPENAI_API_KEY, env only
	TextModel      string `yaml:"text_model"`
	ImageModel     string `yaml:"image_model"`
	EmbedBatchSize int    `yaml:"embed_batch_size"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	TokensPerMin   int    `yaml:"tokens_per_min"`

	// Worker pools.
	TextWorkers  int `yaml:"text_workers"`
	ThumbWorkers int `yaml:"thumb_workers"`
	EmbedWorkers int `yaml:"embed_workers"`

	// Watchdog and event plumbing.
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	EventQueueSize   int           `yaml:"event_queue_size"`
}

const (
	envKeyListenAddr    = "SLIDEMANAGER_LISTEN_ADDR"
	envKeyLogLevel      = "SLIDEMANAGER_LOG_LEVEL"
	envKeyOpenAIBaseURL = "OPENAI_BASE_URL"
	envKeyOpenAIAPIKey  = "OPENAI_API_KEY"
	envKeySofficePath   = "SOFFICE_PATH"
	envKeyPdftoppmPath  = "PDFTOPPM_PATH"
	envKeyEmbedBatch    = "SLIDEMANAGER_EMBED_BATCH"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8377",
		LogLevel:         "info",
		SofficePath:      "soffice",
		PdftoppmPath:     "pdftoppm",
		SofficeTimeout:   180 * time.Second,
		ThumbTimeout:     60 * time.Second,
		OpenAIBaseURL:    "https://api.openai.com",
		TextModel:        "text-embedding-3-large",
		ImageModel:       "image-embedding-1",
		EmbedBatchSize:   16,
		RequestsPerMin:   120,
		TokensPerMin:     200000,
		TextWorkers:      4,
		ThumbWorkers:     2,
		EmbedWorkers:     2,
		WatchdogTimeout:  120 * time.Second,
		WatchdogInterval: 10 * time.Second,
		EventQueueSize:   5000,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty; a missing file at an explicitly given path is an
// error), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr(envKeyListenAddr, c.ListenAddr)
	c.LogLevel = envOr(envKeyLogLevel, c.LogLevel)
	c.OpenAIBaseURL = envOr(envKeyOpenAIBaseURL, c.OpenAIBaseURL)
	c.OpenAIAPIKey = envOr(envKeyOpenAIAPIKey, c.OpenAIAPIKey)
	c.SofficePath = envOr(envKeySofficePath, c.SofficePath)
	c.PdftoppmPath = envOr(envKeyPdftoppmPath, c.PdftoppmPath)
	if v := os.Getenv(envKeyEmbedBatch); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.EmbedBatchSize = n
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	for i, r := range c.Roots {
		if r.Path == "" {
			return fmt.Errorf("config: roots[%d]: path is required", i)
		}
		if !filepath.IsAbs(r.Path) {
			return fmt.Errorf("config: roots[%d]: path %q must be absolute", i, r.Path)
		}
	}
	if c.EmbedBatchSize < 1 {
		return fmt.Errorf("config: embed_batch_size must be >= 1")
	}
	if c.TextWorkers < 1 || c.ThumbWorkers < 1 || c.EmbedWorkers < 1 {
		return fmt.Errorf("config: worker counts must be >= 1")
	}
	if c.WatchdogTimeout <= 0 || c.WatchdogInterval <= 0 {
		return fmt.Errorf("config: watchdog timeout and interval must be positive")
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("config: event_queue_size must be >= 1")
	}
	return nil
}

// LookupRoot resolves a requested library root against the whitelist. Paths
// are compared after cleaning; a request outside the whitelist is refused.
func (c *Config) LookupRoot(requested string) (Root, bool) {
	want := filepath.Clean(requested)
	for _, r := range c.Roots {
		if filepath.Clean(r.Path) == want {
			return r, true
		}
	}
	return Root{}, false
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
