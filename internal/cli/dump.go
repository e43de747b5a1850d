package cli

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kvingest/internal/config"
	"kvingest/pkg/engine"
	"kvingest/pkg/keycodec"
	"kvingest/pkg/types"
)

// DumpCommand streams a key range of the store to stdout as NDJSON.
type DumpCommand struct {
	// DBPath is the store directory, taken from the positional argument.
	DBPath string

	ConfigPath string
	KeyFields  []string
	// Start and End hold identifying-field values bounding the range:
	// inclusive lower, exclusive upper. Values are typed by syntax
	// (42 int, 4.2 float, true bool, anything else string) and may cover
	// a prefix of the key fields.
	Start    []string
	End      []string
	Limit    int
	KeysOnly bool
	LogLevel string
	LogJSON  bool

	CmdIO

	flags *pflag.FlagSet
}

// NewDumpCommand returns the dumpkv root command.
func NewDumpCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := &DumpCommand{CmdIO: newCmdIO(stdin, stdout, stderr)}
	c := &cobra.Command{
		Use:   "dumpkv <db-path>",
		Short: "Export stored records as NDJSON",
		Long: `dumpkv opens the store read-only and writes stored records to stdout,
one JSON document per line, in key order. --start and --end bound the
range by identifying-field values ([start, end)); --keys-only emits the
decoded key fields instead of the stored values.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, args []string) error {
			cmd.DBPath = args[0]
			return cmd.Run(cc.Context())
		},
	}
	flags := c.Flags()
	def := config.Default()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "path to a YAML config file")
	flags.StringSliceVar(&cmd.KeyFields, "key-fields", def.Keys.Fields, "ordered identifying fields forming the key")
	flags.StringSliceVar(&cmd.Start, "start", nil, "inclusive lower bound, one value per key field")
	flags.StringSliceVar(&cmd.End, "end", nil, "exclusive upper bound, one value per key field")
	flags.IntVar(&cmd.Limit, "limit", 0, "stop after this many records (0 = all)")
	flags.BoolVar(&cmd.KeysOnly, "keys-only", false, "emit decoded key fields instead of values")
	flags.StringVar(&cmd.LogLevel, "log-level", def.Logger.Level, "log level: debug, info, warn or error")
	flags.BoolVar(&cmd.LogJSON, "log-json", def.Logger.JSON, "log JSON instead of text")
	cmd.flags = flags
	return c
}

// Run executes the export.
func (cmd *DumpCommand) Run(ctx context.Context) error {
	cfg := config.Default()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(cmd.ConfigPath); err != nil {
			return err
		}
	}
	if cmd.flags.Changed("key-fields") {
		cfg.Keys.Fields = cmd.KeyFields
	}
	if cmd.flags.Changed("log-level") {
		cfg.Logger.Level = cmd.LogLevel
	}
	if cmd.flags.Changed("log-json") {
		cfg.Logger.JSON = cmd.LogJSON
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := initLogger(cmd.Stderr, cfg.Logger).With("db", cmd.DBPath)

	codec, err := keycodec.New(cfg.Keys.Fields)
	if err != nil {
		return err
	}

	eng, err := engine.Open(cmd.DBPath, engine.Options{
		ReadOnly:  true,
		MustExist: true,
		Logger:    log,
	})
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer eng.Close()

	var lo, hi types.Key
	if len(cmd.Start) > 0 {
		if lo, err = codec.EncodeValues(coerceScalars(cmd.Start)...); err != nil {
			return err
		}
	}
	if len(cmd.End) > 0 {
		if hi, err = codec.EncodeValues(coerceScalars(cmd.End)...); err != nil {
			return err
		}
	}

	it, err := eng.NewIterator(lo, hi)
	if err != nil {
		return err
	}
	defer it.Close()

	bw := bufio.NewWriter(cmd.Stdout)
	n := 0
	for valid := it.First(); valid; valid = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cmd.Limit > 0 && n >= cmd.Limit {
			break
		}
		var line []byte
		if cmd.KeysOnly {
			fields, derr := codec.Decode(it.Key())
			if derr != nil {
				return derr
			}
			if line, err = json.Marshal(fields); err != nil {
				return err
			}
		} else {
			line = it.Value()
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		n++
	}
	if err := it.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	log.Info("dump complete", "records", n)
	return nil
}

func coerceScalars(vals []string) []any {
	out := make([]any, len(vals))
	for i, s := range vals {
		out[i] = coerceScalar(s)
	}
	return out
}

// coerceScalar types a bound value by syntax, matching how the codec
// types JSON numbers: integer syntax to int64, fraction or exponent to
// float64, true/false to bool, anything else stays a string.
func coerceScalar(s string) any {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}
