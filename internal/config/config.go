// Package config holds the yaml-backed run configuration shared by the
// kvingest binaries. Flags override whatever the file set.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"kvingest/pkg/compression"
	"kvingest/pkg/kverrors"
	"kvingest/pkg/pipeline"
	"kvingest/pkg/record"
	"kvingest/pkg/resolver"
)

type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Input    InputConfig    `yaml:"input"`
	Keys     KeyConfig      `yaml:"keys"`
	Batch    BatchConfig    `yaml:"batch"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Engine   EngineConfig   `yaml:"engine"`
	Status   StatusConfig   `yaml:"status"`
	// RejectsFile collects skipped records as NDJSON. Empty disables it.
	RejectsFile string `yaml:"rejects_file"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type InputConfig struct {
	Framing        string `yaml:"framing"`
	Compression    string `yaml:"compression"`
	MaxRecordBytes int    `yaml:"max_record_bytes"`
	OnMalformed    string `yaml:"on_malformed"`
}

type KeyConfig struct {
	Fields      []string `yaml:"fields"`
	ChangeField string   `yaml:"change_field"`
	OnMissing   string   `yaml:"on_missing"`
}

type BatchConfig struct {
	MaxItems       int           `yaml:"max_items"`
	MaxBytes       int           `yaml:"max_bytes"`
	RetryCeiling   int           `yaml:"retry_ceiling"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	SyncWrites     bool          `yaml:"sync_writes"`
}

type PipelineConfig struct {
	// Workers <= 0 means one worker per CPU.
	Workers    int    `yaml:"workers"`
	QueueDepth int    `yaml:"queue_depth"`
	Cancel     string `yaml:"cancel"`
}

type EngineConfig struct {
	Compression     string `yaml:"compression"`
	CacheBytes      int64  `yaml:"cache_bytes"`
	MaxOpenFiles    int    `yaml:"max_open_files"`
	DisableWAL      bool   `yaml:"disable_wal"`
	CompactOnFinish bool   `yaml:"compact_on_finish"`
}

type StatusConfig struct {
	// Addr exposes /healthz, /progress and pprof when non-empty.
	Addr string `yaml:"addr"`
}

// Default returns the baseline configuration the binaries start from.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "info"},
		Input: InputConfig{
			Framing:        string(record.FramingNewline),
			Compression:    string(compression.FormatAuto),
			MaxRecordBytes: record.DefaultMaxRecordBytes,
			OnMalformed:    string(pipeline.MalformedAbort),
		},
		Keys: KeyConfig{
			Fields:      []string{"id"},
			ChangeField: "change",
			OnMissing:   string(resolver.MissingSkip),
		},
		Batch: BatchConfig{
			MaxItems:       1000,
			MaxBytes:       32 << 20,
			RetryCeiling:   5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Pipeline: PipelineConfig{
			QueueDepth: 256,
			Cancel:     string(pipeline.CancelFlush),
		},
		Engine: EngineConfig{
			Compression: "snappy",
		},
	}
}

// Load reads the yaml file at path over the defaults. A missing file is
// an error; callers that want the defaults pass no path at all.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	return cfg, nil
}

// Validate checks every enum and bound once, so the binaries can fail
// before touching the store.
func (c Config) Validate() error {
	if _, err := record.ParseFraming(c.Input.Framing); err != nil {
		return err
	}
	if _, err := compression.ParseFormat(c.Input.Compression); err != nil {
		return err
	}
	if _, err := pipeline.ParseMalformedPolicy(c.Input.OnMalformed); err != nil {
		return err
	}
	if _, err := resolver.ParseMissingKeyPolicy(c.Keys.OnMissing); err != nil {
		return err
	}
	if _, err := pipeline.ParseCancelMode(c.Pipeline.Cancel); err != nil {
		return err
	}
	if len(c.Keys.Fields) == 0 {
		return errors.Wrap(kverrors.ErrInvalidArgument, "keys.fields must name at least one field")
	}
	if c.Keys.ChangeField == "" {
		return errors.Wrap(kverrors.ErrInvalidArgument, "keys.change_field must not be empty")
	}
	if c.Input.MaxRecordBytes < 0 || c.Batch.MaxItems < 0 || c.Batch.MaxBytes < 0 ||
		c.Batch.RetryCeiling < 0 || c.Pipeline.QueueDepth < 0 || c.Engine.CacheBytes < 0 {
		return errors.Wrap(kverrors.ErrInvalidArgument, "negative sizes make no sense")
	}
	switch c.Engine.Compression {
	case "", "snappy", "zstd", "none":
	default:
		return errors.Wrapf(kverrors.ErrInvalidArgument, "unknown engine compression %q", c.Engine.Compression)
	}
	return nil
}
