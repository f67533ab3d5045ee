// Package config holds all flowtrace configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all flowtrace configuration.
type Config struct {
	// Instrumentation settings
	Instrument InstrumentConfig `yaml:"instrument"`

	// LLM backend
	LLM LLMConfig `yaml:"llm"`

	// Provenance store
	Store StoreConfig `yaml:"store"`

	// Build artifact and replay cache
	Cache CacheConfig `yaml:"cache"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// InstrumentConfig configures the source rewrite pass.
type InstrumentConfig struct {
	// Packages that run instrumented. Everything else is opaque.
	Packages []string `yaml:"packages"`
	// Extra method names treated as container mutators.
	Mutators []string `yaml:"mutators"`
	// Boundary entry points using provenance union instead of replace.
	UnionEntries []string `yaml:"union_entries"`
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// StoreConfig configures the provenance store.
type StoreConfig struct {
	// Limit bounds the number of tracked values; 0 means unbounded.
	Limit int `yaml:"limit"`
}

// CacheConfig configures the artifact database.
type CacheConfig struct {
	Path string `yaml:"path"`
	// Replay serves recorded boundary outputs instead of live calls.
	Replay bool `yaml:"replay"`
	// Watch invalidates artifacts as source files change.
	Watch bool `yaml:"watch"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	DebugMode bool   `yaml:"debug_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Instrument: InstrumentConfig{},
		LLM: LLMConfig{
			Model: "gemini-2.0-flash",
		},
		Store: StoreConfig{
			Limit: 100000,
		},
		Cache: CacheConfig{
			Path: filepath.Join(".flowtrace", "cache.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("FLOWTRACE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if path := os.Getenv("FLOWTRACE_CACHE"); path != "" {
		c.Cache.Path = path
	}
	if limit := os.Getenv("FLOWTRACE_STORE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n >= 0 {
			c.Store.Limit = n
		}
	}
	if os.Getenv("FLOWTRACE_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Store.Limit < 0 {
		return fmt.Errorf("store limit must be non-negative, got %d", c.Store.Limit)
	}
	return nil
}
