package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kailiangenn/another-me/pkg/core"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cascade.Threshold != 0.7 || cfg.Retention.TemporaryTTL != 7*24*time.Hour {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
data_dir: /tmp/me
cascade:
  threshold: 0.8
  cache_size: 50
retention:
  decay_factor: 0.95
  temporary_ttl: 72h
embedding:
  provider: openai
  dimension: 1536
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cascade.Threshold != 0.8 || cfg.Cascade.CacheSize != 50 {
		t.Errorf("cascade = %+v", cfg.Cascade)
	}
	if cfg.Retention.TemporaryTTL != 72*time.Hour || cfg.Retention.DecayFactor != 0.95 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Dimension != 1536 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
	// Unset keys keep their defaults.
	if cfg.Cascade.CacheTTL != time.Hour {
		t.Errorf("cache ttl = %v, want default 1h", cfg.Cascade.CacheTTL)
	}
	if cfg.CatalogPath() != filepath.Join("/tmp/me", "catalog.db") {
		t.Errorf("catalog path = %s", cfg.CatalogPath())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cascade:\n  threshold: 1.5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Load(path)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q, want env override", cfg.LLM.APIKey)
	}
}
