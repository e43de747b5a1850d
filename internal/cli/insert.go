package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kvingest/pkg/pipeline"
)

// InsertCommand bulk-loads framed JSON records into a store.
type InsertCommand struct {
	// DBPath is the store directory, taken from the positional argument.
	DBPath string

	ingestOptions
	CmdIO

	flags *pflag.FlagSet
}

// NewInsertCommand returns the insertkv root command.
func NewInsertCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := &InsertCommand{CmdIO: newCmdIO(stdin, stdout, stderr)}
	c := &cobra.Command{
		Use:   "insertkv <db-path>",
		Short: "Bulk-load JSON records into a key-value store",
		Long: `insertkv reads framed JSON records from stdin (or --input), derives an
ordered binary key from each record's identifying fields, and stores the
raw record bytes through batched atomic commits.

Re-running the same input produces the same store. When one input holds
several records with the same key, the later record wins.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, args []string) error {
			cmd.DBPath = args[0]
			return cmd.Run(cc.Context())
		},
	}
	bindIngestFlags(c.Flags(), &cmd.ingestOptions)
	cmd.flags = c.Flags()
	return c
}

// Run executes the bulk load.
func (cmd *InsertCommand) Run(ctx context.Context) error {
	cfg, err := cmd.resolveConfig(cmd.flags)
	if err != nil {
		return err
	}
	return runIngest(ctx, cmd.CmdIO, cfg, cmd.DBPath, cmd.InputPath, pipeline.ModeInsert, "insertkv")
}
