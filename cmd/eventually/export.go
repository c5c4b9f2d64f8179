package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventually/internal/config"
	"github.com/alfredjeanlab/eventually/internal/idgen"
	"github.com/alfredjeanlab/eventually/internal/store"
	"github.com/alfredjeanlab/eventually/internal/store/postgres"
	archive "github.com/alfredjeanlab/eventually/internal/sync"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export every document and its versions as JSONL",
	GroupID: "archive",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		push, _ := cmd.Flags().GetBool("sync")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		s, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer closeStore(s, logger)

		ctx := cmd.Context()
		if push {
			dests := syncDestinations(ctx, cfg, logger)
			if len(dests) == 0 {
				return errNoDestinations()
			}
			archive.NewScheduler(s, dests, cfg.SyncInterval, logger).SyncOnce(ctx)
			return nil
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return exportTo(ctx, s, w)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	exportCmd.Flags().Bool("sync", false, "push one export to the configured sync destinations instead")
}

func exportTo(ctx context.Context, s store.Store, w io.Writer) error {
	exportID, err := idgen.New(idgen.ExportPrefix)
	if err != nil {
		return err
	}
	sum, err := archive.ExportJSONL(ctx, s, w, exportID, time.Now())
	if err != nil {
		return err
	}
	logger.Info("export written", "export", sum.Export, "documents", sum.Documents, "versions", sum.Versions)
	return nil
}
