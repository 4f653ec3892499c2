package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// RunsCmd represents the runs command
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect transform runs",
	Long: `Inspect transform run history and live state.

Examples:
  evidentia runs ls                       # Recent runs across pipelines
  evidentia runs ls --logical-id nightly  # One pipeline's history
  evidentia runs show <run-id>            # Full detail as JSON`,
}

var (
	runsLogicalIDFlag string
	runsLimitFlag     int
)

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs, newest first",
	RunE:  runRunsLs,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsLsCmd.Flags().StringVar(&runsLogicalIDFlag, "logical-id", "", "Only runs of this logical pipeline")
	runsLsCmd.Flags().IntVar(&runsLimitFlag, "limit", 20, "Number of runs to show")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	runs, err := env.runs.ListRuns(cmd.Context(), runsLogicalIDFlag, runsLimitFlag)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("%s  %-9s  %-12s  obj=%d acc=%d quar=%d\n",
			run.CreatedAt.Format("2006-01-02 15:04:05"),
			run.Status, run.LogicalID,
			run.ObjectsProcessed, run.RowsAccepted, run.RowsQuarantined)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	run, err := env.runs.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
