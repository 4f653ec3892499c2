package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evidentia/evidentia/silver"
)

// DbCmd represents the db command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the evidentia database",
	Long: `Manage database operations including statistics and migrations.

Examples:
  evidentia db stats     # Row counts across all layers
  evidentia db migrate   # Apply pending schema migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()
	ctx := cmd.Context()

	var rawObjects, corrupt, quarantined, findings int64
	if err := env.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(corrupt), 0) FROM raw_objects`).Scan(&rawObjects, &corrupt); err != nil {
		return err
	}
	if err := env.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine_rows`).Scan(&quarantined); err != nil {
		return err
	}
	if err := env.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_findings`).Scan(&findings); err != nil {
		return err
	}
	counts, err := env.silver.CountsByKind(ctx)
	if err != nil {
		return err
	}
	wm, err := env.gold.Watermark(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Database statistics")
	fmt.Printf("  path:         %s\n", env.cfg.Database.Path)
	fmt.Printf("  raw objects:  %d (%d corrupt)\n", rawObjects, corrupt)
	var total int64
	for _, kind := range silver.Kinds() {
		if n := counts[kind]; n > 0 {
			fmt.Printf("  silver %-13s %d\n", string(kind)+":", n)
			total += n
		}
	}
	fmt.Printf("  silver total: %d\n", total)
	fmt.Printf("  quarantined:  %d\n", quarantined)
	if quarantined > 0 {
		rows, err := env.db.QueryContext(ctx, `
			SELECT json_extract(value, '$.code'), COUNT(*)
			FROM quarantine_rows, json_each(quarantine_rows.reasons)
			GROUP BY 1 ORDER BY 2 DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var code string
			var n int64
			if err := rows.Scan(&code, &n); err != nil {
				return err
			}
			fmt.Printf("    %-20s %d\n", code+":", n)
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}
	fmt.Printf("  findings:     %d\n", findings)
	fmt.Printf("  watermark:    committed_seq %d\n", wm)
	return nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openEnvironment migrates on open; reaching here means it succeeded.
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	fmt.Println("Database schema is up to date")
	return nil
}
