package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// GoldCmd represents the gold command
var GoldCmd = &cobra.Command{
	Use:   "gold",
	Short: "Inspect and verify gold aggregates",
	Long: `Inspect the curated aggregate layer and verify that it matches the
committed silver rows it is derived from.

Examples:
  evidentia gold show --kind disbursement --from 2024-01-01
  evidentia gold verify          # Compare stored aggregates against silver`,
}

var (
	goldKindFlag string
	goldFromFlag string
	goldToFlag   string
)

var goldShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show aggregate buckets",
	RunE:  runGoldShow,
}

var goldVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify aggregates converge with silver",
	RunE:  runGoldVerify,
}

func init() {
	goldShowCmd.Flags().StringVar(&goldKindFlag, "kind", "", "Only buckets of this row kind")
	goldShowCmd.Flags().StringVar(&goldFromFlag, "from", "", "Earliest bucket date (YYYY-MM-DD)")
	goldShowCmd.Flags().StringVar(&goldToFlag, "to", "", "Latest bucket date (YYYY-MM-DD)")

	GoldCmd.AddCommand(goldShowCmd)
	GoldCmd.AddCommand(goldVerifyCmd)
}

func runGoldShow(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	aggs, err := env.gold.Aggregates(cmd.Context(), goldKindFlag, goldFromFlag, goldToFlag)
	if err != nil {
		return err
	}
	if len(aggs) == 0 {
		fmt.Println("No aggregates")
		return nil
	}

	for _, a := range aggs {
		dim := a.Dimension
		if dim == "" {
			dim = "-"
		}
		fmt.Printf("%s  %-13s  %-12s  rows=%-5d total=%d.%02d\n",
			a.BucketDate, a.Kind, dim, a.RowCount,
			a.TotalAmountCents/100, a.TotalAmountCents%100)
	}

	wm, err := env.gold.Watermark(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("\nwatermark: committed_seq %d\n", wm)
	return nil
}

func runGoldVerify(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	divergent, err := env.gold.VerifyConvergence(cmd.Context())
	if err != nil {
		return err
	}
	if divergent == 0 {
		fmt.Println("OK: aggregates match committed silver rows")
		return nil
	}
	return fmt.Errorf("%d aggregate cells diverge from silver; run 'evidentia transform run --full'", divergent)
}
