package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kvingest/pkg/pipeline"
)

// UpdateCommand merges change documents into records already in a store.
type UpdateCommand struct {
	// DBPath is the store directory, taken from the positional argument.
	DBPath string

	ingestOptions
	CmdIO

	flags *pflag.FlagSet
}

// NewUpdateCommand returns the updatekv root command.
func NewUpdateCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := &UpdateCommand{CmdIO: newCmdIO(stdin, stdout, stderr)}
	c := &cobra.Command{
		Use:   "updatekv <db-path>",
		Short: "Merge JSON change documents into stored records",
		Long: `updatekv reads framed JSON records carrying a change document (the
--change-field member, "change" by default), looks up each target record
by its identifying fields and rewrites it with RFC 7386 merge semantics:
change fields overwrite, null deletes a field, unmentioned fields are
kept. A change document of null deletes the whole record.

Records whose key is absent follow --on-missing: insert a fresh record
built from the key fields and the change (upsert), count and continue
(skip), or fail the run (abort).`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cc *cobra.Command, args []string) error {
			cmd.DBPath = args[0]
			return cmd.Run(cc.Context())
		},
	}
	bindIngestFlags(c.Flags(), &cmd.ingestOptions)
	bindUpdateFlags(c.Flags(), &cmd.ingestOptions)
	cmd.flags = c.Flags()
	return c
}

// Run executes the update pass.
func (cmd *UpdateCommand) Run(ctx context.Context) error {
	cfg, err := cmd.resolveConfig(cmd.flags)
	if err != nil {
		return err
	}
	return runIngest(ctx, cmd.CmdIO, cfg, cmd.DBPath, cmd.InputPath, pipeline.ModeUpdate, "updatekv")
}
