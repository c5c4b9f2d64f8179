package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventually/internal/config"
)

var rescanCmd = &cobra.Command{
	Use:     "rescan",
	Short:   "Run one library rescan and one redaction rescan",
	GroupID: "pipeline",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skipLibrary, _ := cmd.Flags().GetBool("skip-library")
		skipRedacted, _ := cmd.Flags().GetBool("skip-redacted")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := newPipeline(cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore(p.store, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !skipLibrary {
			p.poller.RescanLibrary(ctx)
		}
		if !skipRedacted {
			p.poller.RescanRedacted(ctx)
		}

		entries := p.health.Snapshot(0)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ACTIVITY\tOK\tRECORDS\tERROR")
		failed := 0
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", e.Activity, e.Healthy, e.Records, e.LastError)
			if !e.Healthy {
				failed++
			}
		}
		tw.Flush()
		if failed > 0 {
			return fmt.Errorf("%d rescan activities failed", failed)
		}
		return nil
	},
}

func init() {
	rescanCmd.Flags().Bool("skip-library", false, "skip the library rescan")
	rescanCmd.Flags().Bool("skip-redacted", false, "skip the redaction rescan")
}
