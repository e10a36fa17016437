package git

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// AheadBehind compares the local branch with the fetched remote tracking
// ref. A missing side counts every commit on the other side.
func (r *Repository) AheadBehind(remote, branch string) (vcs.DivergenceState, error) {
	var state vcs.DivergenceState

	if remote == "" {
		remote = vcs.DefaultRemote
	}
	if branch == "" {
		branch = r.branch
	}

	localHash, err := r.RefHash("", branch)
	if err != nil && !errors.Is(err, vcs.ErrRefNotFound) {
		return state, err
	}
	remoteHash, err := r.RefHash(remote, branch)
	if err != nil && !errors.Is(err, vcs.ErrRefNotFound) {
		return state, err
	}

	local := "refs/heads/" + branch
	tracking := "refs/remotes/" + remote + "/" + branch

	switch {
	case localHash == "" && remoteHash == "":
		return state, nil
	case remoteHash == "":
		state.Ahead, err = r.countCommits(local)
		return state, err
	case localHash == "":
		state.Behind, err = r.countCommits(tracking)
		return state, err
	case localHash == remoteHash:
		return state, nil
	}

	// Get commits in local but not in remote
	if state.Ahead, err = r.countCommits(tracking + ".." + local); err != nil {
		return state, fmt.Errorf("failed to count ahead commits: %w", err)
	}

	// Get commits in remote but not in local
	if state.Behind, err = r.countCommits(local + ".." + tracking); err != nil {
		return state, fmt.Errorf("failed to count behind commits: %w", err)
	}

	return state, nil
}

// Divergence fetches remote refs and then compares
func (r *Repository) Divergence(ctx context.Context, remote, branch string) (vcs.DivergenceState, error) {
	if err := r.Fetch(ctx, remote); err != nil {
		return vcs.DivergenceState{}, err
	}
	return r.AheadBehind(remote, branch)
}

// countCommits runs rev-list --count over a revision range
func (r *Repository) countCommits(rangeSpec string) (int, error) {
	output, err := r.Exec(context.Background(), "rev-list", "--count", rangeSpec)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", strings.TrimSpace(string(output)), err)
	}
	return n, nil
}
