package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nmgrl/dvcsync/internal/syncer"
	"github.com/nmgrl/dvcsync/internal/ui"
	"github.com/nmgrl/dvcsync/internal/vcs/git"
)

var (
	syncStrategy    string
	syncForceRemote bool
	syncPush        bool
	syncAll         bool
	pushAll         bool
	statusFetch     bool
)

// repoResult is one repository's sync or push outcome
type repoResult struct {
	Name     string         `json:"repository"`
	Sync     *syncer.Result `json:"-"`
	State    string         `json:"state,omitempty"`
	Pushed   bool           `json:"pushed"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
	failed   bool
	conflict bool
}

var syncCmd = &cobra.Command{
	Use:     "sync [repository...]",
	GroupID: "sync",
	Short:   "Reconcile repositories with their remotes",
	Long: `Run a smart sync on each repository: fetch, stash local changes, rebase
onto the remote and restore the stash. Repositories are synced in parallel.

Conflicts are left pending and listed, and the command exits non-zero,
unless a strategy (ours, theirs or manual) is chosen with --strategy or
sync.strategy.

A rebase that fails for another reason is reported and the repository is
left as it was. --force-remote (or sync.allow_destructive) lets the sync
merge the remote's version over local commits instead, and reset to the
remote if even that merge fails.

Examples:
  dvcsync sync --all
  dvcsync sync Irr_NM-290 Cosmogenic --strategy ours --push
  dvcsync sync Irr_NM-290 --strategy manual`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := selectRepositories(cfg.Root, args, syncAll)
		if err != nil {
			return err
		}

		strategy := syncStrategy
		if strategy == "" {
			strategy = cfg.SyncStrategy
		}
		engine, err := newEngine(strategy, syncForceRemote)
		if err != nil {
			return err
		}

		// Prompts from parallel repositories would interleave
		workers := cfg.TransferWorkers
		if strategy == "manual" {
			workers = 1
		}

		results := make([]repoResult, len(paths))
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for i, path := range paths {
			g.Go(func() error {
				results[i] = syncOne(engine, path, syncPush)
				return nil
			})
		}
		_ = g.Wait()

		return reportRepoResults(results)
	},
}

func syncOne(engine *syncer.Engine, path string, push bool) repoResult {
	r := repoResult{Name: filepath.Base(path)}

	repo, err := git.Open(path)
	if err != nil {
		r.failed, r.Error = true, err.Error()
		return r
	}

	res, err := engine.SmartSync(rootCtx, repo)
	r.Sync = res
	if res != nil {
		r.State = res.State.String()
		r.conflict = res.State == syncer.ConflictPending
	}
	if err != nil {
		r.failed, r.Error = true, err.Error()
		return r
	}

	if push && !r.conflict {
		pr, err := engine.Push(rootCtx, repo)
		if err != nil {
			r.failed, r.Error = true, err.Error()
			return r
		}
		r.Pushed, r.Reason = pr.Pushed, pr.Reason
	}
	return r
}

func reportRepoResults(results []repoResult) error {
	failures := 0
	for _, r := range results {
		if r.failed || r.conflict {
			failures++
		}
	}

	if jsonOutput {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printRepoResult(r)
		}
	}

	if failures > 0 {
		return errReported
	}
	return nil
}

func printRepoResult(r repoResult) {
	status := "synced"
	switch {
	case r.failed:
		status = "failed"
	case r.conflict:
		status = "conflict"
	case r.Sync == nil && r.Pushed:
		status = "pushed"
	case r.Sync == nil:
		status = "skipped"
	}

	var detail []string
	if s := r.Sync; s != nil {
		if s.Initial != s.State {
			detail = append(detail, fmt.Sprintf("%s → %s", s.Initial, s.State))
		} else {
			detail = append(detail, s.State.String())
		}
		if s.Divergence.Ahead > 0 || s.Divergence.Behind > 0 {
			detail = append(detail, s.Divergence.String())
		}
		if s.Recovery != syncer.RecoveryNone {
			detail = append(detail, "recovered by "+string(s.Recovery))
		}
	}
	if r.Pushed {
		detail = append(detail, "pushed")
	}

	fmt.Println(ui.StatusLine(status, r.Name, strings.Join(detail, ", ")))
	if r.Sync != nil {
		for _, path := range r.Sync.Conflicts {
			fmt.Println(ui.DetailLine("conflict: " + path))
		}
	}
	if r.Error != "" {
		fmt.Println(ui.DetailLine(r.Error))
	}
	if r.Reason != "" {
		fmt.Println(ui.DetailLine(r.Reason))
	}
}

var pushCmd = &cobra.Command{
	Use:     "push [repository...]",
	GroupID: "sync",
	Short:   "Push repositories to their remotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := selectRepositories(cfg.Root, args, pushAll)
		if err != nil {
			return err
		}
		engine, err := newEngine("", false)
		if err != nil {
			return err
		}

		results := make([]repoResult, len(paths))
		g := new(errgroup.Group)
		g.SetLimit(cfg.TransferWorkers)
		for i, path := range paths {
			g.Go(func() error {
				r := repoResult{Name: filepath.Base(path)}
				repo, err := git.Open(path)
				if err == nil {
					var pr *syncer.PushResult
					if pr, err = engine.Push(rootCtx, repo); err == nil {
						r.Pushed, r.Reason = pr.Pushed, pr.Reason
					}
				}
				if err != nil {
					r.failed, r.Error = true, err.Error()
				}
				results[i] = r
				return nil
			})
		}
		_ = g.Wait()

		return reportRepoResults(results)
	},
}

// statusRow is the --json form of one status table row
type statusRow struct {
	Repository  string   `json:"repository"`
	Branch      string   `json:"branch,omitempty"`
	State       string   `json:"state"`
	Ahead       int      `json:"ahead"`
	Behind      int      `json:"behind"`
	Dirty       bool     `json:"dirty"`
	Interrupted bool     `json:"interrupted,omitempty"`
	Conflicts   []string `json:"conflicts,omitempty"`
	Error       string   `json:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status [repository...]",
	GroupID: "sync",
	Short:   "Show ahead/behind, dirty and conflict state per repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := selectRepositories(cfg.Root, args, true)
		if err != nil {
			return err
		}
		engine, err := newEngine("", false)
		if err != nil {
			return err
		}

		rows := make([]statusRow, len(paths))
		g := new(errgroup.Group)
		g.SetLimit(cfg.TransferWorkers)
		for i, path := range paths {
			g.Go(func() error {
				rows[i] = statusOne(engine, path, statusFetch)
				return nil
			})
		}
		_ = g.Wait()

		if jsonOutput {
			return printJSON(rows)
		}
		fmt.Println(renderStatusTable(rows))
		return nil
	},
}

func statusOne(engine *syncer.Engine, path string, fetch bool) statusRow {
	row := statusRow{Repository: filepath.Base(path)}

	repo, err := git.Open(path)
	if err != nil {
		row.State, row.Error = "error", err.Error()
		return row
	}

	st, err := engine.Status(rootCtx, repo, fetch)
	if st != nil {
		row.Branch = st.Branch
		row.State = st.State().String()
		row.Ahead, row.Behind = st.Divergence.Ahead, st.Divergence.Behind
		row.Dirty = st.Dirty
		row.Interrupted = st.Interrupted
		row.Conflicts = st.Conflicts
		if st.Remote == "" && st.State() == syncer.UpToDate {
			row.State = "no remote"
		}
	}
	if err != nil {
		row.State, row.Error = "error", err.Error()
	}
	return row
}

func renderStatusTable(rows []statusRow) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(ui.MutedStyle).
		Headers("REPOSITORY", "BRANCH", "STATE", "AHEAD", "BEHIND", "DIRTY", "CONFLICTS")

	for _, r := range rows {
		dirty := ""
		if r.Dirty {
			dirty = "yes"
		}
		conflicts := ""
		if n := len(r.Conflicts); n > 0 {
			conflicts = fmt.Sprint(n)
		}
		state := r.State
		if r.Error != "" {
			state = "error: " + r.Error
		}
		t.Row(r.Repository, r.Branch, state, fmt.Sprint(r.Ahead), fmt.Sprint(r.Behind), dirty, conflicts)
	}

	t.StyleFunc(func(row, col int) lipgloss.Style {
		style := lipgloss.NewStyle().Padding(0, 1)
		if row == table.HeaderRow {
			return style.Inherit(ui.CategoryStyle)
		}
		if col == 2 && row >= 0 && row < len(rows) {
			switch rows[row].State {
			case "up-to-date":
				return style.Inherit(ui.PassStyle)
			case "conflict", "diverged", "error":
				return style.Inherit(ui.FailStyle)
			case "ahead", "behind":
				return style.Inherit(ui.WarnStyle)
			}
		}
		return style
	})

	return t.String()
}

func init() {
	syncCmd.Flags().StringVar(&syncStrategy, "strategy", "", "conflict strategy: none, ours, theirs or manual (default from sync.strategy)")
	syncCmd.Flags().BoolVar(&syncForceRemote, "force-remote", false, "allow discarding local history when a rebase cannot complete")
	syncCmd.Flags().BoolVar(&syncPush, "push", false, "push each repository after a successful sync")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every repository under the data root")

	pushCmd.Flags().BoolVar(&pushAll, "all", false, "push every repository under the data root")

	statusCmd.Flags().BoolVar(&statusFetch, "fetch", false, "fetch before comparing with the remote")

	rootCmd.AddCommand(syncCmd, pushCmd, statusCmd)
}
