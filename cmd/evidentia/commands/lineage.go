package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// LineageCmd represents the lineage command
var LineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Resolve derived values back to verified raw evidence",
	Long: `Walk a derived value back to the raw evidence behind it. Every raw
object on the chain has its digest re-verified; a chain through corrupted
evidence fails with an integrity error.

Examples:
  evidentia lineage aggregate 2024-02-01 disbursement A-1
  evidentia lineage row <identity-key>
  evidentia lineage finding <finding-id>`,
}

var lineageAggregateCmd = &cobra.Command{
	Use:   "aggregate <bucket-date> <kind> [dimension]",
	Short: "Resolve a gold cell to its evidence",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runLineageAggregate,
}

var lineageRowCmd = &cobra.Command{
	Use:   "row <identity-key>",
	Short: "Resolve a normalized row to its evidence",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineageRow,
}

var lineageFindingCmd = &cobra.Command{
	Use:   "finding <finding-id>",
	Short: "Resolve an extraction finding to its evidence",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineageFinding,
}

func init() {
	LineageCmd.AddCommand(lineageAggregateCmd)
	LineageCmd.AddCommand(lineageRowCmd)
	LineageCmd.AddCommand(lineageFindingCmd)
}

func printChain(chain any) error {
	out, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runLineageAggregate(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	dimension := ""
	if len(args) == 3 {
		dimension = args[2]
	}
	chain, err := env.resolver.ResolveAggregate(cmd.Context(), args[0], args[1], dimension)
	if err != nil {
		return err
	}
	return printChain(chain)
}

func runLineageRow(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	chain, err := env.resolver.ResolveRow(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printChain(chain)
}

func runLineageFinding(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	chain, err := env.resolver.ResolveFinding(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printChain(chain)
}
