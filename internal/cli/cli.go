// Package cli builds the cobra commands behind the insertkv, updatekv,
// dumpkv and kvbench binaries. Each command is a struct with exported
// option fields and a Run(ctx) method; the cobra wrappers only bind
// flags and positional arguments onto it.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"kvingest/internal/config"
	"kvingest/internal/status"
	"kvingest/pkg/batch"
	"kvingest/pkg/compression"
	"kvingest/pkg/engine"
	"kvingest/pkg/keycodec"
	"kvingest/pkg/metrics"
	"kvingest/pkg/pipeline"
	"kvingest/pkg/record"
	"kvingest/pkg/rejects"
	"kvingest/pkg/resolver"
)

// CmdIO carries a command's standard streams so tests can substitute
// buffers. Logs go to Stderr; dumpkv keeps Stdout as pure record output.
type CmdIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func newCmdIO(stdin io.Reader, stdout, stderr io.Writer) CmdIO {
	return CmdIO{Stdin: stdin, Stdout: stdout, Stderr: stderr}
}

// initLogger builds the run logger and installs it as the slog default,
// mirroring how the store's own entry points set up logging.
func initLogger(w io.Writer, cfg config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ingestOptions are the flag-bound options shared by insertkv and
// updatekv. change-field and on-missing live here too but only updatekv
// registers them; applyTo skips flags a command never bound.
type ingestOptions struct {
	ConfigPath string
	InputPath  string

	Framing        string
	Compression    string
	KeyFields      []string
	MaxRecordBytes int
	OnMalformed    string

	ChangeField string
	OnMissing   string

	MaxBatchItems int
	MaxBatchBytes int
	RetryCeiling  int
	SyncWrites    bool

	Workers    int
	QueueDepth int
	Cancel     string

	EngineCompression string
	CacheBytes        int64
	MaxOpenFiles      int
	DisableWAL        bool
	CompactOnFinish   bool

	RejectsFile string
	StatusAddr  string

	LogLevel string
	LogJSON  bool
}

func bindIngestFlags(flags *pflag.FlagSet, o *ingestOptions) {
	def := config.Default()
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "path to a YAML config file")
	flags.StringVarP(&o.InputPath, "input", "i", "", "input file (default stdin)")
	flags.StringVar(&o.Framing, "framing", def.Input.Framing, "input framing: newline or length")
	flags.StringVar(&o.Compression, "compression", def.Input.Compression, "input compression: auto, none, gzip or zstd")
	flags.StringSliceVar(&o.KeyFields, "key-fields", def.Keys.Fields, "ordered identifying fields forming the key")
	flags.IntVar(&o.MaxRecordBytes, "max-record-bytes", def.Input.MaxRecordBytes, "largest accepted input record")
	flags.StringVar(&o.OnMalformed, "on-malformed", def.Input.OnMalformed, "malformed input policy: skip or abort")
	flags.IntVar(&o.MaxBatchItems, "max-batch-items", def.Batch.MaxItems, "mutations per flushed batch")
	flags.IntVar(&o.MaxBatchBytes, "max-batch-bytes", def.Batch.MaxBytes, "staged bytes per flushed batch")
	flags.IntVar(&o.RetryCeiling, "retry-ceiling", def.Batch.RetryCeiling, "total commit attempts per flush")
	flags.BoolVar(&o.SyncWrites, "sync-writes", def.Batch.SyncWrites, "make each flush durable before continuing")
	flags.IntVar(&o.Workers, "workers", def.Pipeline.Workers, "worker count (0 = GOMAXPROCS)")
	flags.IntVar(&o.QueueDepth, "queue-depth", def.Pipeline.QueueDepth, "per-worker queue depth")
	flags.StringVar(&o.Cancel, "cancel", def.Pipeline.Cancel, "on interrupt: flush or discard the staged batches")
	flags.StringVar(&o.EngineCompression, "engine-compression", def.Engine.Compression, "sstable block compression: snappy, zstd or none")
	flags.Int64Var(&o.CacheBytes, "cache-bytes", def.Engine.CacheBytes, "engine block cache size in bytes")
	flags.IntVar(&o.MaxOpenFiles, "max-open-files", def.Engine.MaxOpenFiles, "engine file descriptor cap")
	flags.BoolVar(&o.DisableWAL, "disable-wal", def.Engine.DisableWAL, "disable the engine WAL for bulk loads")
	flags.BoolVar(&o.CompactOnFinish, "compact-on-finish", def.Engine.CompactOnFinish, "compact the store after a successful run")
	flags.StringVar(&o.RejectsFile, "rejects-file", def.RejectsFile, "append skipped records to this NDJSON file")
	flags.StringVar(&o.StatusAddr, "status-addr", def.Status.Addr, "serve /healthz and /progress on this address")
	flags.StringVar(&o.LogLevel, "log-level", def.Logger.Level, "log level: debug, info, warn or error")
	flags.BoolVar(&o.LogJSON, "log-json", def.Logger.JSON, "log JSON instead of text")
}

func bindUpdateFlags(flags *pflag.FlagSet, o *ingestOptions) {
	def := config.Default()
	flags.StringVar(&o.ChangeField, "change-field", def.Keys.ChangeField, "record field holding the merge document")
	flags.StringVar(&o.OnMissing, "on-missing", def.Keys.OnMissing, "missing key policy: upsert, skip or abort")
}

// resolveConfig layers defaults, the config file, then explicitly set
// flags, and validates the result.
func (o *ingestOptions) resolveConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return cfg, err
		}
	}
	o.applyTo(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (o *ingestOptions) applyTo(cfg *config.Config, flags *pflag.FlagSet) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("framing", func() { cfg.Input.Framing = o.Framing })
	set("compression", func() { cfg.Input.Compression = o.Compression })
	set("key-fields", func() { cfg.Keys.Fields = o.KeyFields })
	set("max-record-bytes", func() { cfg.Input.MaxRecordBytes = o.MaxRecordBytes })
	set("on-malformed", func() { cfg.Input.OnMalformed = o.OnMalformed })
	set("change-field", func() { cfg.Keys.ChangeField = o.ChangeField })
	set("on-missing", func() { cfg.Keys.OnMissing = o.OnMissing })
	set("max-batch-items", func() { cfg.Batch.MaxItems = o.MaxBatchItems })
	set("max-batch-bytes", func() { cfg.Batch.MaxBytes = o.MaxBatchBytes })
	set("retry-ceiling", func() { cfg.Batch.RetryCeiling = o.RetryCeiling })
	set("sync-writes", func() { cfg.Batch.SyncWrites = o.SyncWrites })
	set("workers", func() { cfg.Pipeline.Workers = o.Workers })
	set("queue-depth", func() { cfg.Pipeline.QueueDepth = o.QueueDepth })
	set("cancel", func() { cfg.Pipeline.Cancel = o.Cancel })
	set("engine-compression", func() { cfg.Engine.Compression = o.EngineCompression })
	set("cache-bytes", func() { cfg.Engine.CacheBytes = o.CacheBytes })
	set("max-open-files", func() { cfg.Engine.MaxOpenFiles = o.MaxOpenFiles })
	set("disable-wal", func() { cfg.Engine.DisableWAL = o.DisableWAL })
	set("compact-on-finish", func() { cfg.Engine.CompactOnFinish = o.CompactOnFinish })
	set("rejects-file", func() { cfg.RejectsFile = o.RejectsFile })
	set("status-addr", func() { cfg.Status.Addr = o.StatusAddr })
	set("log-level", func() { cfg.Logger.Level = o.LogLevel })
	set("log-json", func() { cfg.Logger.JSON = o.LogJSON })
}

func engineOptions(cfg config.Config, log *slog.Logger) engine.Options {
	return engine.Options{
		Compression:  cfg.Engine.Compression,
		CacheBytes:   cfg.Engine.CacheBytes,
		MaxOpenFiles: cfg.Engine.MaxOpenFiles,
		DisableWAL:   cfg.Engine.DisableWAL,
		Logger:       log,
	}
}

func batchConfig(cfg config.Config) batch.Config {
	return batch.Config{
		MaxItems:       cfg.Batch.MaxItems,
		MaxBytes:       cfg.Batch.MaxBytes,
		RetryCeiling:   cfg.Batch.RetryCeiling,
		InitialBackoff: cfg.Batch.InitialBackoff,
		MaxBackoff:     cfg.Batch.MaxBackoff,
		Sync:           cfg.Batch.SyncWrites,
	}
}

func pipelineConfig(cfg config.Config, mode pipeline.Mode) pipeline.Config {
	return pipeline.Config{
		Mode:            mode,
		Workers:         cfg.Pipeline.Workers,
		QueueDepth:      cfg.Pipeline.QueueDepth,
		Batch:           batchConfig(cfg),
		MalformedPolicy: pipeline.MalformedPolicy(cfg.Input.OnMalformed),
		MissingPolicy:   resolver.MissingKeyPolicy(cfg.Keys.OnMissing),
		ChangeField:     cfg.Keys.ChangeField,
		CancelMode:      pipeline.CancelMode(cfg.Pipeline.Cancel),
	}
}

// openInput builds the input chain: source file or stdin, a byte counter
// for the source side, then transparent decompression.
func openInput(stdin io.Reader, path string, cfg config.InputConfig) (io.ReadCloser, *compression.CountingReader, error) {
	var src io.Reader = stdin
	var f *os.File
	if path != "" {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, nil, err
		}
		src = f
	}
	format, err := compression.ParseFormat(cfg.Compression)
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, nil, err
	}
	counting := compression.NewCountingReader(src)
	dec, err := compression.NewReader(counting, format)
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, nil, err
	}
	return &inputCloser{ReadCloser: dec, file: f}, counting, nil
}

type inputCloser struct {
	io.ReadCloser
	file *os.File
}

func (c *inputCloser) Close() error {
	err := c.ReadCloser.Close()
	if c.file != nil {
		if cerr := c.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// runIngest is the shared body of insertkv and updatekv: open the store,
// stream records through the pipeline, then report.
func runIngest(ctx context.Context, cio CmdIO, cfg config.Config, dbPath, inputPath string, mode pipeline.Mode, title string) error {
	log := initLogger(cio.Stderr, cfg.Logger).With("run_id", uuid.NewString(), "db", dbPath)

	codec, err := keycodec.New(cfg.Keys.Fields)
	if err != nil {
		return err
	}

	eng, err := engine.Open(dbPath, engineOptions(cfg, log))
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer eng.Close()

	in, counting, err := openInput(cio.Stdin, inputPath, cfg.Input)
	if err != nil {
		log.Error("failed to open input", "error", err, "path", inputPath)
		return err
	}
	defer in.Close()

	run := metrics.NewRun()

	var rej *rejects.Writer
	if cfg.RejectsFile != "" {
		if rej, err = rejects.Create(cfg.RejectsFile); err != nil {
			log.Error("failed to create rejects file", "error", err, "path", cfg.RejectsFile)
			return err
		}
		defer func() {
			if cerr := rej.Close(); cerr != nil {
				log.Warn("rejects file close failed", "error", cerr, "path", rej.Path())
			}
		}()
	}

	if cfg.Status.Addr != "" {
		srv := status.NewServer(cfg.Status.Addr, run, log)
		if err := srv.Start(); err != nil {
			log.Error("failed to start status server", "error", err, "addr", cfg.Status.Addr)
			return err
		}
		defer func() {
			if serr := srv.Stop(); serr != nil {
				log.Warn("status server stop failed", "error", serr)
			}
		}()
	}

	reader := record.NewReader(in, record.Options{
		Framing:        record.Framing(cfg.Input.Framing),
		MaxRecordBytes: cfg.Input.MaxRecordBytes,
	})

	p := pipeline.New(eng, codec, pipelineConfig(cfg, mode), run, rej, log)

	log.Info("run starting",
		"workers", cfg.Pipeline.Workers,
		"framing", cfg.Input.Framing,
		"key_fields", strings.Join(cfg.Keys.Fields, ","))

	runErr := p.Run(ctx, reader)
	log.Info("input consumed", "source_bytes", counting.Count(), "decoded_bytes", reader.Pos())

	if runErr == nil && cfg.Engine.CompactOnFinish {
		log.Info("compacting store")
		if cerr := eng.CompactAll(); cerr != nil {
			log.Error("compaction failed", "error", cerr)
			runErr = cerr
		}
	}

	// Close before reporting so a failed final memtable flush fails the
	// run instead of vanishing into a deferred call.
	if cerr := eng.Close(); cerr != nil {
		log.Error("store close failed", "error", cerr)
		if runErr == nil {
			runErr = cerr
		}
	}

	printSummary(cio.Stdout, title, run, rej)

	if runErr != nil {
		log.Error("run failed", "error", runErr, "committed", run.Committed())
		return runErr
	}
	log.Info("run complete",
		"committed", run.Committed(),
		"skipped", run.TotalSkipped())
	return nil
}

func printSummary(w io.Writer, title string, run *metrics.Run, rej *rejects.Writer) {
	snap := run.Snapshot()
	fmt.Fprintf(w, "=== %s Summary ===\n", title)
	fmt.Fprintf(w, "  Records Read: %d\n", snap.RecordsRead)
	fmt.Fprintf(w, "  Records Committed: %d\n", snap.RecordsCommitted)
	fmt.Fprintf(w, "  Records Skipped: %d%s\n", run.TotalSkipped(), skipBreakdown(snap.Skipped))
	if snap.Merged > 0 || snap.Upserts > 0 || snap.Tombstones > 0 {
		fmt.Fprintf(w, "  Merged: %d\n", snap.Merged)
		fmt.Fprintf(w, "  Upserted: %d\n", snap.Upserts)
		fmt.Fprintf(w, "  Deleted: %d\n", snap.Tombstones)
	}
	fmt.Fprintf(w, "  Flushes: %d\n", snap.Flushes)
	fmt.Fprintf(w, "  Retries: %d\n", snap.Retries)
	fmt.Fprintf(w, "  Bytes Read: %d\n", snap.BytesRead)
	elapsed := time.Duration(snap.ElapsedSeconds * float64(time.Second))
	fmt.Fprintf(w, "  Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Records/sec: %.2f\n", snap.RecordsPerSecond)
	if rej != nil && rej.Count() > 0 {
		fmt.Fprintf(w, "  Rejects File: %s (%d records)\n", rej.Path(), rej.Count())
	}
}

func skipBreakdown(skipped map[string]uint64) string {
	if len(skipped) == 0 {
		return ""
	}
	cats := make([]string, 0, len(skipped))
	for c := range skipped {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = fmt.Sprintf("%s=%d", c, skipped[c])
	}
	return " (" + strings.Join(parts, " ") + ")"
}
