package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// Fetch updates the tracking refs of remote without touching the work tree.
// Returns vcs.ErrNoRemote when the remote is not configured; any transport
// failure wraps vcs.ErrFetchFailed.
func (r *Repository) Fetch(ctx context.Context, remote string) error {
	if remote == "" {
		remote = vcs.DefaultRemote
	}
	if !r.HasRemote(remote) {
		return fmt.Errorf("%s: %w", remote, vcs.ErrNoRemote)
	}

	if _, err := r.Exec(ctx, "fetch", "--prune", remote); err != nil {
		if vcs.IsFatal(err) {
			return err
		}
		return fmt.Errorf("%w: %w", vcs.ErrFetchFailed, err)
	}

	return nil
}

// Push pushes the branch to the remote
func (r *Repository) Push(ctx context.Context, opts vcs.PushOptions) error {
	remote := opts.Remote
	if remote == "" {
		remote = vcs.DefaultRemote
	}
	if !r.HasRemote(remote) {
		return fmt.Errorf("%s: %w", remote, vcs.ErrNoRemote)
	}

	branch := opts.Branch
	if branch == "" {
		var err error
		if branch, err = r.CurrentBranch(); err != nil {
			return err
		}
	}

	args := []string{"push"}
	if opts.SetUpstream {
		args = append(args, "-u")
	}
	args = append(args, remote, branch)

	output, err := r.Exec(ctx, args...)
	if err != nil {
		outputStr := string(output) + err.Error()

		// Check for push rejection
		if strings.Contains(outputStr, "rejected") || strings.Contains(outputStr, "non-fast-forward") {
			return fmt.Errorf("%s/%s: %w", remote, branch, vcs.ErrPushRejected)
		}

		return err
	}

	return nil
}

// FastForward moves the local branch to remote/branch
func (r *Repository) FastForward(ctx context.Context, remote, branch string) error {
	output, err := r.Exec(ctx, "merge", "--ff-only", remote+"/"+branch)
	if err != nil {
		outputStr := string(output) + err.Error()
		if strings.Contains(outputStr, "Not possible to fast-forward") ||
			strings.Contains(outputStr, "not possible to fast-forward") {
			return fmt.Errorf("%s/%s: %w", remote, branch, vcs.ErrMergeRequired)
		}
		return err
	}
	return nil
}
