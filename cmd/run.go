package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/app"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process every pending segment in the manifest",
		Long: `Loads the checkpoint, downloads the manifest and processes the segments
that are not yet complete. SIGINT or SIGTERM stops intake, lets in-flight
segments finish, flushes staged records and saves the checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			logger := a.Logger()
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if cerr := a.Close(closeCtx); cerr != nil {
					logger.Warn("close failed", zap.Error(cerr))
				}
			}()

			summary, err := a.Run(ctx)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			state := "complete"
			if summary.Interrupted {
				state = "interrupted"
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"%s: %s segments done, %d failed, %d skipped, %s records in %d shards (%s)\n",
				state,
				humanize.Comma(int64(summary.Completed)),
				summary.Failed,
				summary.Skipped(),
				humanize.Comma(summary.Records),
				summary.Shards,
				summary.Duration.Round(time.Second),
			)
			return nil
		},
	}
}
