package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/app"
)

// newRunCmd creates the 'run' subcommand.
func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Discover keys and harvest primary and detail records",
		Long: `Walks the listing at run.start_url, skips keys already present in the
primary output and harvests the rest. Keys abandoned because the site kept
throttling are left unwritten so the next run picks them up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.execute(cmd, app.ModeFull)
		},
	}
}
