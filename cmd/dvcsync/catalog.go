package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/loadtest"
	"github.com/nmgrl/dvcsync/internal/ui"
)

var catalogCmd = &cobra.Command{
	Use:     "catalog",
	GroupID: "admin",
	Short:   "Manage the local sqlite catalog",
}

var catalogInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the catalog schema",
	Long:  `Create the catalog database and its tables. Safe to run again on an existing catalog.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := catalog.OpenAndInit(rootCtx, cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Printf("%s Catalog ready at %s\n", ui.RenderPass(ui.IconPass), db.Path())
		return nil
	},
}

var catalogStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := catalog.OpenAndInit(rootCtx, cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats(rootCtx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(stats)
		}

		fmt.Printf("\n%s %s\n\n", ui.RenderCategory("catalog"), ui.RenderMuted(db.Path()))
		rows := []struct {
			label string
			n     int
		}{
			{"Analyses", stats.Analyses},
			{"Repositories", stats.Repositories},
			{"Samples", stats.Samples},
			{"Materials", stats.Materials},
			{"Projects", stats.Projects},
			{"Irradiations", stats.Irradiations},
			{"Levels", stats.Levels},
			{"Positions", stats.Positions},
		}
		for _, r := range rows {
			fmt.Printf("  %-14s %d\n", r.label+":", r.n)
		}
		fmt.Println()
		return nil
	},
}

var catalogBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure catalog latency under concurrent writers",
	Long: `Seed a scratch catalog and time concurrent analysis upserts, the write
pattern of a multi-worker export. The configured catalog is never touched.

Use --mixed to split the workers between writers and existence checks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		ops, _ := cmd.Flags().GetInt("ops")
		positions, _ := cmd.Flags().GetInt("positions")
		mixed, _ := cmd.Flags().GetBool("mixed")

		dir, err := os.MkdirTemp("", "dvcsync-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		db, err := catalog.OpenAndInit(rootCtx, filepath.Join(dir, "catalog.sqlite"))
		if err != nil {
			return err
		}
		defer db.Close()

		fixture, err := loadtest.Seed(rootCtx, db, positions)
		if err != nil {
			return err
		}

		logger.Debug("catalog bench", "workers", workers, "ops", ops, "positions", positions, "mixed", mixed)

		run := fixture.RunConcurrentWriters
		if mixed {
			run = fixture.RunMixed
		}
		stats, err := run(rootCtx, workers, ops)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(stats)
		}
		fmt.Printf("\n%s %d workers x %d ops\n\n", ui.RenderCategory("catalog bench"), workers, ops)
		stats.Fprint(os.Stdout)
		if stats.Errors > 0 {
			fmt.Printf("\n%s %d operations failed\n", ui.RenderFail(ui.IconFail), stats.Errors)
			return errReported
		}
		return nil
	},
}

func init() {
	catalogBenchCmd.Flags().Int("workers", 8, "Concurrent workers")
	catalogBenchCmd.Flags().Int("ops", 100, "Operations per worker")
	catalogBenchCmd.Flags().Int("positions", 50, "Irradiation positions to seed")
	catalogBenchCmd.Flags().Bool("mixed", false, "Alternate writers with existence checks")

	catalogCmd.AddCommand(catalogInitCmd, catalogStatsCmd, catalogBenchCmd)
	rootCmd.AddCommand(catalogCmd)
}
