package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidentia/evidentia/cmd/evidentia/commands"
	"github.com/evidentia/evidentia/logger"
)

var rootCmd = &cobra.Command{
	Use:   "evidentia",
	Short: "Evidentia - evidence transformation and lineage engine",
	Long: `Evidentia - financial evidence transformation and lineage engine.

Raw evidence is stored immutably and content-addressed, normalized into
typed silver rows behind a quality gate, and rolled up into deterministic
gold aggregates. Every derived value resolves back to digest-verified raw
bytes.

Available commands:
  ingest    - Submit and inspect raw evidence
  transform - Run the raw-to-silver-to-gold transform
  runs      - Inspect transform runs
  gold      - Inspect and verify gold aggregates
  lineage   - Resolve derived values back to verified evidence
  db        - Manage the database
  config    - Manage configuration

Examples:
  evidentia ingest submit awards.csv --source grants-portal
  evidentia transform run
  evidentia gold show --kind disbursement
  evidentia lineage aggregate 2024-02-01 disbursement A-1`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.TransformCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.GoldCmd)
	rootCmd.AddCommand(commands.LineageCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
