package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvingest.yaml")
	doc := `
logger:
  level: debug
  json: true
input:
  framing: length
  compression: gzip
keys:
  fields: [region, id]
  on_missing: upsert
batch:
  max_items: 50
  initial_backoff: 250ms
pipeline:
  workers: 8
engine:
  compression: zstd
  disable_wal: true
  compact_on_finish: true
rejects_file: /tmp/rejects.ndjson
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if !cfg.Logger.JSON || cfg.Logger.Level != "debug" {
		t.Fatalf("logger = %+v", cfg.Logger)
	}
	if cfg.Input.Framing != "length" || cfg.Input.Compression != "gzip" {
		t.Fatalf("input = %+v", cfg.Input)
	}
	if len(cfg.Keys.Fields) != 2 || cfg.Keys.Fields[0] != "region" {
		t.Fatalf("key fields = %v", cfg.Keys.Fields)
	}
	if cfg.Batch.MaxItems != 50 {
		t.Fatalf("max items = %d", cfg.Batch.MaxItems)
	}
	if cfg.Batch.InitialBackoff != 250*time.Millisecond {
		t.Fatalf("initial backoff = %v", cfg.Batch.InitialBackoff)
	}
	// Untouched fields keep their defaults.
	if cfg.Batch.RetryCeiling != 5 {
		t.Fatalf("retry ceiling = %d", cfg.Batch.RetryCeiling)
	}
	if cfg.Keys.ChangeField != "change" {
		t.Fatalf("change field = %q", cfg.Keys.ChangeField)
	}
	if cfg.Pipeline.Workers != 8 || !cfg.Engine.DisableWAL || !cfg.Engine.CompactOnFinish {
		t.Fatalf("pipeline/engine = %+v %+v", cfg.Pipeline, cfg.Engine)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"framing":        func(c *Config) { c.Input.Framing = "csv" },
		"compression":    func(c *Config) { c.Input.Compression = "brotli" },
		"on-malformed":   func(c *Config) { c.Input.OnMalformed = "ignore" },
		"on-missing":     func(c *Config) { c.Keys.OnMissing = "create" },
		"cancel":         func(c *Config) { c.Pipeline.Cancel = "pause" },
		"no-key-fields":  func(c *Config) { c.Keys.Fields = nil },
		"empty-change":   func(c *Config) { c.Keys.ChangeField = "" },
		"negative-batch": func(c *Config) { c.Batch.MaxItems = -1 },
		"engine-codec":   func(c *Config) { c.Engine.Compression = "lzma" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}
