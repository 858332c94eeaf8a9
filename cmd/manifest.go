package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/app"
)

func newManifestCmd(opts *rootOptions) *cobra.Command {
	var head int
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Show how many segments are still pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pending, total, err := app.Inspect(cmd.Context(), cfg, app.Options{Logger: zap.NewNop()})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s of %s segments pending\n",
				humanize.Comma(int64(len(pending))), humanize.Comma(int64(total)))
			for i, id := range pending {
				if i == head {
					break
				}
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&head, "head", 10, "number of pending segments to list")
	return cmd
}
