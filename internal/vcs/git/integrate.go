package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// Stash snapshots uncommitted changes including untracked files.
// Returns false when the working tree was already clean.
func (r *Repository) Stash(ctx context.Context, message string) (bool, error) {
	dirty, err := r.IsDirty()
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	output, err := r.Exec(ctx, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return false, err
	}
	if strings.Contains(string(output), "No local changes to save") {
		return false, nil
	}

	r.dirty = false
	return true, nil
}

// StashPop restores the most recent snapshot. On failure the snapshot
// stays on the stash list and the error wraps vcs.ErrStashRestore.
func (r *Repository) StashPop(ctx context.Context) error {
	if _, err := r.Exec(ctx, "stash", "pop"); err != nil {
		return fmt.Errorf("%w: %w", vcs.ErrStashRestore, err)
	}
	r.dirty = true
	return nil
}

// Rebase replays local commits on remote/branch, preserving merges.
func (r *Repository) Rebase(ctx context.Context, remote, branch string) error {
	_, err := r.Exec(ctx, "-c", "core.editor=true", "rebase", rebaseMergesFlag(), remote+"/"+branch)
	if err == nil {
		return nil
	}
	if vcs.IsFatal(err) {
		return err
	}

	// A rebase that stopped part way with unmerged paths is a content
	// conflict; anything else never got that far.
	if r.inRebase() {
		if unmerged, uerr := r.unmergedPaths(); uerr == nil && len(unmerged) > 0 {
			return fmt.Errorf("rebase onto %s/%s: %w", remote, branch, vcs.ErrConflicts)
		}
	}
	return fmt.Errorf("%w: %w", vcs.ErrRebaseFailed, err)
}

// AbortIntegration aborts an in-progress rebase or merge. No-op otherwise.
func (r *Repository) AbortIntegration(ctx context.Context) error {
	det, err := vcs.Detect(r.path)
	if err != nil {
		return err
	}

	switch det.Interrupted {
	case "rebase":
		_, err = r.Exec(ctx, "rebase", "--abort")
	case "merge":
		_, err = r.Exec(ctx, "merge", "--abort")
	}
	return err
}

// MergeNoCommit merges remote/branch but stops before committing.
// Conflicts return an error wrapping vcs.ErrConflicts with the merge left
// in progress.
func (r *Repository) MergeNoCommit(ctx context.Context, remote, branch string) error {
	_, err := r.Exec(ctx, "merge", "--no-ff", "--no-commit", remote+"/"+branch)
	if err == nil {
		return nil
	}
	if r.IsInRebaseOrMerge() {
		return fmt.Errorf("merge %s/%s: %w", remote, branch, vcs.ErrConflicts)
	}
	return err
}

// MergeAcceptRemote merges remote/branch resolving every conflicting hunk
// in favour of the remote, then commits.
func (r *Repository) MergeAcceptRemote(ctx context.Context, remote, branch string) error {
	_, err := r.Exec(ctx, "merge", "-X", "theirs", "--no-edit", remote+"/"+branch)
	if err != nil {
		// Leave nothing half-merged behind
		_ = r.AbortIntegration(ctx)
		return fmt.Errorf("accept-remote merge failed: %w", err)
	}
	return nil
}

// ResetToRemote discards local commits and working tree changes
func (r *Repository) ResetToRemote(ctx context.Context, remote, branch string) error {
	_ = r.AbortIntegration(ctx)
	_, err := r.Exec(ctx, "reset", "--hard", remote+"/"+branch)
	return err
}

// CheckoutSide replaces a conflicted path with one side and stages it.
// When the chosen side deleted the path the deletion is staged instead.
func (r *Repository) CheckoutSide(ctx context.Context, path string, side vcs.Side) error {
	output, err := r.Exec(ctx, "checkout", "--"+string(side), "--", path)
	if err != nil {
		if strings.Contains(string(output)+err.Error(), "does not have") {
			_, err = r.Exec(ctx, "rm", "--quiet", "--", path)
			return err
		}
		return err
	}

	_, err = r.Exec(ctx, "add", "--", path)
	return err
}

// MarkResolved stages a path the caller fixed by hand
func (r *Repository) MarkResolved(ctx context.Context, path string) error {
	_, err := r.Exec(ctx, "add", "--", path)
	return err
}

// FinishMerge commits an in-progress merge
func (r *Repository) FinishMerge(ctx context.Context, message string) error {
	if unmerged, err := r.unmergedPaths(); err != nil {
		return err
	} else if len(unmerged) > 0 {
		return fmt.Errorf("%d paths still unmerged: %w", len(unmerged), vcs.ErrConflicts)
	}

	_, err := r.Exec(ctx, "commit", "--no-verify", "-m", message)
	return err
}
