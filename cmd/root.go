// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/logging"
)

// runner executes one harvest. Tests replace it.
type runner func(ctx context.Context, cfg config.Config, mode app.Mode, logger *zap.Logger) (app.Summary, error)

type rootOptions struct {
	cfgFile  string
	topic    string
	startURL string
	run      runner
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(run runner) *cobra.Command {
	opts := &rootOptions{run: run}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests listing keys and product pages with a pool of browser sessions.",
		Long: `harvester discovers item links from a paginated or infinitely scrolling
listing, then visits each item with a bounded pool of browser sessions and
writes primary and detail records to CSV files or Postgres. Runs resume:
keys already present in the primary output are skipped.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.topic, "topic", "", "override run.topic")
	flags.StringVar(&opts.startURL, "start-url", "", "override run.start_url")

	cmd.AddCommand(newRunCmd(opts), newDetailsCmd(opts))
	return cmd
}

// execute loads configuration, builds the logger and runs one harvest in mode.
func (o *rootOptions) execute(cmd *cobra.Command, mode app.Mode) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := o.run(ctx, cfg, mode, logger)
	if err != nil {
		return fmt.Errorf("%s run: %w", mode, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s run %s: %d succeeded, %d failed, %d rate limited, %d detail records\n",
		mode, summary.RunID, summary.Succeeded, summary.Failed, summary.RateLimited, summary.Details)
	return nil
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.topic == "" && o.startURL == "" {
		return cfg, nil
	}
	if o.topic != "" {
		cfg.Run.Topic = o.topic
	}
	if o.startURL != "" {
		cfg.Run.StartURL = o.startURL
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(app.Run).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
