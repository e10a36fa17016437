package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmgrl/dvcsync/internal/manifest"
	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/timeparsing"
	"github.com/nmgrl/dvcsync/internal/transfer"
	"github.com/nmgrl/dvcsync/internal/ui"
)

var (
	exportRepository    string
	exportOverwrite     bool
	exportSince         string
	exportUntil         string
	exportSpectrometers []string
	exportManifest      string
	exportRuns          []string
)

var exportCmd = &cobra.Command{
	Use:     "export [runlist-file...]",
	GroupID: "transfer",
	Short:   "Export analyses into their entity repositories",
	Long: `Export analyses from the source database into per-entity repositories.

Records are named one of three ways:
  1. Run-list files: one run id per line, # comments allowed
  2. A date range: --since/--until, optionally filtered by --spectrometer
  3. A TOML manifest of batches: --manifest imports.toml

Each record is written as a canonical YAML file, committed to its
repository and cataloged. Records already present are skipped unless
--overwrite is given. The command exits non-zero if any record failed.

Examples:
  dvcsync export march.txt
  dvcsync export --run 66573-01 --run 66573-02A --repository Irr_NM-290
  dvcsync export --since "last monday" --spectrometer jan
  dvcsync export --manifest imports.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ranged := exportSince != "" || exportUntil != ""
		listed := len(args) > 0 || len(exportRuns) > 0

		switch {
		case exportManifest != "" && (ranged || listed):
			return errors.New("--manifest cannot be combined with run lists or a date range")
		case ranged && listed:
			return errors.New("use either run lists or --since/--until, not both")
		case !ranged && !listed && exportManifest == "":
			return errors.New("nothing to export: give a run-list file, --run, --since or --manifest")
		case len(exportSpectrometers) > 0 && !ranged:
			return errors.New("--spectrometer only filters a --since/--until range")
		}

		var jobs []manifest.Job
		if exportManifest != "" {
			m, err := manifest.Load(exportManifest)
			if err != nil {
				return err
			}
			if jobs, err = m.Jobs(time.Now()); err != nil {
				return err
			}
		} else {
			job := manifest.Job{Name: "export", Repository: exportRepository, Overwrite: exportOverwrite}
			if ranged {
				low, high, err := timeparsing.Range(exportSince, exportUntil, time.Now())
				if err != nil {
					return err
				}
				job.Low, job.High, job.Spectrometers = low, high, exportSpectrometers
			} else {
				for _, path := range args {
					ids, err := record.LoadRunList(path)
					if err != nil {
						return err
					}
					job.RunIDs = append(job.RunIDs, ids...)
				}
				job.RunIDs = append(job.RunIDs, exportRuns...)
			}
			jobs = []manifest.Job{job}
		}

		env, err := openExportEnv(rootCtx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		var all []transfer.Outcome
		for _, job := range jobs {
			outcomes, err := runJob(env.pipeline, job, len(jobs) > 1)
			all = append(all, outcomes...)
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			if err := printJSON(toOutcomeJSON(all)); err != nil {
				return err
			}
		} else {
			printSummary(transfer.Summarize(all))
		}

		if transfer.Summarize(all).Failed > 0 {
			return errReported
		}
		return nil
	},
}

// runJob exports one job and prints its outcomes unless --json is set
func runJob(p *transfer.Pipeline, job manifest.Job, header bool) ([]transfer.Outcome, error) {
	if header && !jsonOutput {
		fmt.Printf("\n%s\n", ui.RenderCategory(job.Name))
	}

	var (
		outcomes []transfer.Outcome
		err      error
	)
	if job.IsRange() {
		if !jsonOutput {
			fmt.Printf("%s %s → %s\n", ui.RenderMuted("range"),
				job.Low.Format(time.DateTime), job.High.Format(time.DateTime))
		}
		outcomes, err = p.ExportRange(rootCtx, job.Low, job.High, job.Spectrometers, job.Repository, job.Overwrite)
	} else {
		outcomes, err = p.ExportMany(rootCtx, job.RunIDs, job.Repository, job.Overwrite)
	}

	if !jsonOutput {
		for _, o := range outcomes {
			printOutcome(o)
		}
	}
	return outcomes, err
}

func printOutcome(o transfer.Outcome) {
	fmt.Println(ui.StatusLine(o.Status.String(), o.RunID, o.Repository))
	if o.Status == transfer.Failed && o.Reason != "" {
		fmt.Println(ui.DetailLine(o.Reason))
	}
}

func printSummary(s transfer.Summary) {
	render := ui.RenderPass
	if s.Failed > 0 {
		render = ui.RenderFail
	}
	fmt.Printf("\n%s\n%s\n", ui.RenderSeparator(), render(s.String()))
}

func init() {
	exportCmd.Flags().StringVar(&exportRepository, "repository", "", "export every record into this repository instead of its project's")
	exportCmd.Flags().BoolVar(&exportOverwrite, "overwrite", false, "rewrite records that were already exported")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "start of a date range (2016-03-01, -2d, \"last monday\")")
	exportCmd.Flags().StringVar(&exportUntil, "until", "", "end of a date range (default now)")
	exportCmd.Flags().StringSliceVar(&exportSpectrometers, "spectrometer", nil, "only export runs from these spectrometers")
	exportCmd.Flags().StringVar(&exportManifest, "manifest", "", "TOML manifest of export batches")
	exportCmd.Flags().StringArrayVar(&exportRuns, "run", nil, "run id to export (repeatable)")

	rootCmd.AddCommand(exportCmd)
}
