// Package config loads the engine's YAML configuration and applies
// defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kailiangenn/another-me/pkg/core"
)

// Config is the full engine configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	Retention RetentionConfig `yaml:"retention"`
	Vector    VectorConfig    `yaml:"vector"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type EmbeddingConfig struct {
	// Provider is "hashing" (local, deterministic) or "openai".
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type CascadeConfig struct {
	Threshold float64       `yaml:"threshold"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// RetentionConfig is the single source for the TTLs and the decay
// factor; prompts and sweeping both read from here.
type RetentionConfig struct {
	DecayFactor  float64       `yaml:"decay_factor"`
	TemporaryTTL time.Duration `yaml:"temporary_ttl"`
	CasualTTL    time.Duration `yaml:"casual_ttl"`
}

type VectorConfig struct {
	NCentroids int `yaml:"n_centroids"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Log:     LogConfig{Level: "info"},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			Provider:  "hashing",
			Model:     "text-embedding-3-small",
			Dimension: 256,
		},
		Cascade: CascadeConfig{
			Threshold: 0.7,
			CacheSize: 1000,
			CacheTTL:  time.Hour,
		},
		Retention: RetentionConfig{
			DecayFactor:  0.99,
			TemporaryTTL: 7 * 24 * time.Hour,
			CasualTTL:    24 * time.Hour,
		},
		Vector: VectorConfig{NCentroids: 100},
	}
}

// Load reads path over the defaults. A missing path returns defaults;
// a malformed file is an error. OPENAI_API_KEY and OPENAI_BASE_URL
// override the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, core.WrapOp("config.load", fmt.Errorf("%w: %v", core.ErrConfiguration, err))
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, core.WrapOp("config.load", fmt.Errorf("%w: %v", core.ErrParse, err))
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.LLM.BaseURL = base
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Cascade.Threshold < 0 || c.Cascade.Threshold > 1 {
		return core.WrapOp("config.validate",
			fmt.Errorf("%w: cascade threshold %v outside [0,1]", core.ErrConfiguration, c.Cascade.Threshold))
	}
	if c.Retention.DecayFactor <= 0 || c.Retention.DecayFactor > 1 {
		return core.WrapOp("config.validate",
			fmt.Errorf("%w: decay factor %v outside (0,1]", core.ErrConfiguration, c.Retention.DecayFactor))
	}
	if c.Embedding.Dimension <= 0 {
		return core.WrapOp("config.validate",
			fmt.Errorf("%w: embedding dimension %d", core.ErrConfiguration, c.Embedding.Dimension))
	}
	return nil
}

// Paths derived from DataDir.

func (c *Config) CatalogPath() string { return filepath.Join(c.DataDir, "catalog.db") }
func (c *Config) GraphPath() string   { return filepath.Join(c.DataDir, "graph.db") }
func (c *Config) VectorPath() string  { return filepath.Join(c.DataDir, "vectors.idx") }
