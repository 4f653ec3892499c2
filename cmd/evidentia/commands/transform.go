package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evidentia/evidentia/pipeline"
)

// TransformCmd represents the transform command
var TransformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Run the raw-to-silver-to-gold transform",
	Long: `Run a transform over pending raw evidence: normalize new objects,
re-evaluate quarantined rows, and bring gold aggregates up to date.

At most one run per logical pipeline executes at a time; starting a second
one fails without side effects.

Examples:
  evidentia transform run                 # Incremental run under 'default'
  evidentia transform run --logical-id nightly --full
  evidentia transform quarantine          # Show quarantined rows`,
}

var (
	transformLogicalIDFlag string
	transformFullFlag      bool
)

var transformRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a transform run",
	RunE:  runTransformRun,
}

var transformQuarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "List quarantined rows and their reasons",
	RunE:  runTransformQuarantine,
}

func init() {
	transformRunCmd.Flags().StringVar(&transformLogicalIDFlag, "logical-id", "default", "Logical pipeline the run belongs to")
	transformRunCmd.Flags().BoolVar(&transformFullFlag, "full", false, "Rebuild all gold aggregates instead of only changed buckets")

	TransformCmd.AddCommand(transformRunCmd)
	TransformCmd.AddCommand(transformQuarantineCmd)
}

func runTransformRun(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	scope := pipeline.ScopeIncremental
	if transformFullFlag {
		scope = pipeline.ScopeFull
	}

	run, err := env.orchestrator.RunTransform(cmd.Context(), transformLogicalIDFlag, scope)
	if run != nil {
		fmt.Printf("Run %s: %s\n", run.ID, run.Status)
		fmt.Printf("  objects:     %d\n", run.ObjectsProcessed)
		fmt.Printf("  accepted:    %d\n", run.RowsAccepted)
		fmt.Printf("  quarantined: %d\n", run.RowsQuarantined)
		if run.Error != "" {
			fmt.Printf("  error:       %s\n", run.Error)
		}
	}
	return err
}

func runTransformQuarantine(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	recs, err := env.silver.Quarantined(cmd.Context(), "")
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("Quarantine is empty")
		return nil
	}

	for _, rec := range recs {
		loc := rec.Lineage.SourceObjectID
		if rec.Lineage.SourceRowNum != nil {
			loc = fmt.Sprintf("%s row %d", loc, *rec.Lineage.SourceRowNum)
		}
		fmt.Printf("%s  %s  (%s)\n", rec.IdentityKey[:12], rec.Kind, loc)
		for _, reason := range rec.Reasons {
			fmt.Printf("    %s: %s\n", reason.Code, reason.Detail)
		}
	}
	return nil
}
