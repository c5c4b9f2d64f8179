package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventually/internal/config"
	"github.com/alfredjeanlab/eventually/internal/ingest"
	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store"
	"github.com/alfredjeanlab/eventually/internal/store/memory"
	"github.com/alfredjeanlab/eventually/internal/store/postgres"
)

var ingestCmd = &cobra.Command{
	Use:     "ingest <file>",
	Short:   "Ingest a JSON array of feed records from a file (- for stdin)",
	GroupID: "pipeline",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		records, err := readRecords(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		var (
			cfg *config.Config
			s   store.Store
		)
		if dryRun {
			if cfg, err = config.Parse(); err != nil {
				return err
			}
			s = memory.New()
		} else {
			if cfg, err = config.Load(); err != nil {
				return err
			}
			pg, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			s = pg
		}
		defer closeStore(s, logger)

		volatile, err := cfg.Volatile()
		if err != nil {
			return err
		}
		engine := ingest.NewEngine(s, logger, ingest.WithVolatile(volatile))
		report, err := engine.Ingest(cmd.Context(), records, source)
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), report, jsonOutput)
	},
}

func init() {
	ingestCmd.Flags().String("source", model.SourcePrimary, "source tag stamped into metadata")
	ingestCmd.Flags().Bool("dry-run", false, "ingest into an in-memory store and report what would happen")
}

// readRecords decodes a JSON array of records from path, or from stdin when
// path is "-".
func readRecords(path string, stdin io.Reader) ([]model.Record, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return model.DecodeRecords(r)
}

// reportJSON is the --json shape of an ingest report.
type reportJSON struct {
	Batch   string         `json:"batch"`
	Source  string         `json:"source"`
	Cursor  string         `json:"cursor"`
	Counts  map[string]int `json:"counts"`
	Results []resultJSON   `json:"results"`
	Error   string         `json:"error,omitempty"`
}

type resultJSON struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

var outcomes = []ingest.Outcome{ingest.OutcomeNew, ingest.OutcomeChanged, ingest.OutcomeUnchanged, ingest.OutcomeSkipped}

// writeReport prints r and returns its commit error, if any, so a batch
// that did not commit exits non-zero in either output mode.
func writeReport(w io.Writer, r *ingest.Report, asJSON bool) error {
	if asJSON {
		if err := printReportJSON(w, r); err != nil {
			return err
		}
	} else {
		printReport(w, r)
	}
	if r.CommitErr != nil {
		return fmt.Errorf("commit batch %s: %w", r.Batch, r.CommitErr)
	}
	return nil
}

func printReportJSON(w io.Writer, r *ingest.Report) error {
	out := reportJSON{
		Batch:   r.Batch,
		Source:  r.Source,
		Cursor:  r.Cursor,
		Counts:  make(map[string]int, len(outcomes)),
		Results: make([]resultJSON, 0, len(r.Results)),
	}
	for _, o := range outcomes {
		out.Counts[o.String()] = r.Count(o)
	}
	for _, res := range r.Results {
		rj := resultJSON{ID: res.ID, Outcome: res.Outcome.String(), Hash: res.Hash}
		if res.Err != nil {
			rj.Error = res.Err.Error()
		}
		out.Results = append(out.Results, rj)
	}
	if r.CommitErr != nil {
		out.Error = r.CommitErr.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printReport(w io.Writer, r *ingest.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Batch:\t%s\n", r.Batch)
	fmt.Fprintf(tw, "Source:\t%s\n", r.Source)
	fmt.Fprintf(tw, "Cursor:\t%s\n", r.Cursor)
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s:\t%d\n", o, r.Count(o))
	}
	tw.Flush()
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(w, "  %s %s: %v\n", res.Outcome, res.ID, res.Err)
		}
	}
}
