package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventually/internal/config"
)

var (
	logLevel   string
	logJSON    bool
	jsonOutput bool

	logger *slog.Logger
)

// resolveLogLevel returns the --log-level flag when given, else
// EVENTUALLY_LOG_LEVEL through the config package.
func resolveLogLevel(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := config.Parse()
	if err != nil {
		return "", err
	}
	return cfg.LogLevel, nil
}

var rootCmd = &cobra.Command{
	Use:           "eventually <command>",
	Short:         "Ingest, version and announce the Blaseball event feed",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := resolveLogLevel(logLevel)
		if err != nil {
			return err
		}
		l, err := newLogger(os.Stderr, level, logJSON)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default $EVENTUALLY_LOG_LEVEL or info)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of text")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline:"},
		&cobra.Group{ID: "archive", Title: "Archive:"},
	)

	cobra.EnableCommandSorting = false

	// Pipeline
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(rescanCmd)

	// Archive
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
