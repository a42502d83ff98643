package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/app"
)

// newDetailsCmd creates the 'details' subcommand.
func newDetailsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "details",
		Short: "Re-collect detail records for keys in the primary output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.execute(cmd, app.ModeDetails)
		},
	}
}
