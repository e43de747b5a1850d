package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zhangyunhao116/fastrand"

	"kvingest/internal/config"
	"kvingest/pkg/batch"
	"kvingest/pkg/engine"
	"kvingest/pkg/keycodec"
	"kvingest/pkg/metrics"
	"kvingest/pkg/pipeline"
	"kvingest/pkg/record"
)

// BenchCommand drives synthetic records through the insert pipeline and
// reports throughput.
type BenchCommand struct {
	// DBPath is the store directory, taken from the positional argument.
	DBPath string

	Records           int
	ValueBytes        int
	Workers           int
	MaxBatchItems     int
	MaxBatchBytes     int
	DisableWAL        bool
	SyncWrites        bool
	EngineCompression string
	CompactOnFinish   bool
	EngineStats       bool
	LogLevel          string
	LogJSON           bool

	CmdIO
}

// NewBenchCommand returns the kvbench root command.
func NewBenchCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := &BenchCommand{CmdIO: newCmdIO(stdin, stdout, stderr)}
	c := &cobra.Command{
		Use:   "kvbench <db-path>",
		Short: "Measure ingest throughput with synthetic records",
		Long: `kvbench generates synthetic JSON records and drives them through the
same batched insert pipeline insertkv uses, reporting throughput. The
store is written for real; point it at a scratch directory.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, args []string) error {
			cmd.DBPath = args[0]
			return cmd.Run(cc.Context())
		},
	}
	flags := c.Flags()
	flags.IntVar(&cmd.Records, "records", 100000, "synthetic records to generate")
	flags.IntVar(&cmd.ValueBytes, "value-bytes", 256, "payload bytes per record")
	flags.IntVar(&cmd.Workers, "workers", 0, "worker count (0 = GOMAXPROCS)")
	flags.IntVar(&cmd.MaxBatchItems, "max-batch-items", 0, "mutations per flushed batch")
	flags.IntVar(&cmd.MaxBatchBytes, "max-batch-bytes", 0, "staged bytes per flushed batch")
	flags.BoolVar(&cmd.DisableWAL, "disable-wal", true, "disable the engine WAL")
	flags.BoolVar(&cmd.SyncWrites, "sync-writes", false, "make each flush durable before continuing")
	flags.StringVar(&cmd.EngineCompression, "engine-compression", "snappy", "sstable block compression: snappy, zstd or none")
	flags.BoolVar(&cmd.CompactOnFinish, "compact-on-finish", false, "compact the store after the run")
	flags.BoolVar(&cmd.EngineStats, "engine-stats", false, "print the engine's metrics table after the run")
	flags.StringVar(&cmd.LogLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flags.BoolVar(&cmd.LogJSON, "log-json", false, "log JSON instead of text")
	return c
}

// Run executes the benchmark.
func (cmd *BenchCommand) Run(ctx context.Context) error {
	log := initLogger(cmd.Stderr, config.LoggerConfig{Level: cmd.LogLevel, JSON: cmd.LogJSON}).
		With("run_id", uuid.NewString(), "db", cmd.DBPath)

	codec, err := keycodec.New([]string{"id"})
	if err != nil {
		return err
	}

	eng, err := engine.Open(cmd.DBPath, engine.Options{
		Compression: cmd.EngineCompression,
		DisableWAL:  cmd.DisableWAL,
		Logger:      log,
	})
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer eng.Close()

	run := metrics.NewRun()
	p := pipeline.New(eng, codec, pipeline.Config{
		Mode:    pipeline.ModeInsert,
		Workers: cmd.Workers,
		Batch: batch.Config{
			MaxItems: cmd.MaxBatchItems,
			MaxBytes: cmd.MaxBatchBytes,
			Sync:     cmd.SyncWrites,
		},
	}, run, nil, log)

	workers := cmd.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	fmt.Fprintln(cmd.Stdout, "=== kvbench ===")
	fmt.Fprintf(cmd.Stdout, "  Records: %d\n", cmd.Records)
	fmt.Fprintf(cmd.Stdout, "  Value Bytes: %d\n", cmd.ValueBytes)
	fmt.Fprintf(cmd.Stdout, "  Workers: %d\n", workers)
	fmt.Fprintf(cmd.Stdout, "  WAL Disabled: %v\n", cmd.DisableWAL)
	fmt.Fprintln(cmd.Stdout)

	pr, pw := io.Pipe()
	defer pr.Close()
	go generateRecords(pw, cmd.Records, cmd.ValueBytes)

	start := time.Now()
	runErr := p.Run(ctx, record.NewReader(pr, record.Options{}))
	elapsed := time.Since(start)

	if runErr == nil && cmd.CompactOnFinish {
		if cerr := eng.CompactAll(); cerr != nil {
			log.Error("compaction failed", "error", cerr)
			runErr = cerr
		}
	}
	var stats string
	if cmd.EngineStats {
		stats = eng.Metrics()
	}
	if cerr := eng.Close(); cerr != nil {
		log.Error("store close failed", "error", cerr)
		if runErr == nil {
			runErr = cerr
		}
	}

	snap := run.Snapshot()
	fmt.Fprintf(cmd.Stdout, "  Committed: %d\n", snap.RecordsCommitted)
	fmt.Fprintf(cmd.Stdout, "  Flushes: %d\n", snap.Flushes)
	fmt.Fprintf(cmd.Stdout, "  Duration: %s\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(cmd.Stdout, "  Records/sec: %.2f\n", float64(snap.RecordsCommitted)/secs)
		fmt.Fprintf(cmd.Stdout, "  MB/sec: %.2f\n", float64(snap.BytesRead)/(1<<20)/secs)
	}

	if stats != "" {
		fmt.Fprintln(cmd.Stdout)
		fmt.Fprintln(cmd.Stdout, stats)
	}
	return runErr
}

const benchLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateRecords streams n newline-framed records into pw. Closing the
// read side mid-run unblocks the writes, so an aborted run does not
// strand this goroutine.
func generateRecords(pw *io.PipeWriter, n, valueBytes int) {
	defer pw.Close()
	payload := make([]byte, valueBytes)
	buf := make([]byte, 0, valueBytes+64)
	for i := 0; i < n; i++ {
		randFill(payload)
		buf = buf[:0]
		buf = append(buf, `{"id":`...)
		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, `,"payload":"`...)
		buf = append(buf, payload...)
		buf = append(buf, '"', '}', '\n')
		if _, err := pw.Write(buf); err != nil {
			return
		}
	}
}

func randFill(p []byte) {
	for i := range p {
		p[i] = benchLetters[fastrand.Intn(len(benchLetters))]
	}
}
