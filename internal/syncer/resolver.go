package syncer

import (
	"context"
	"fmt"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// Resolution is the decision for one conflicted path
type Resolution int

const (
	// ResolutionOurs keeps the local version and discards the remote one
	ResolutionOurs Resolution = iota + 1

	// ResolutionTheirs keeps the remote version and discards the local one
	ResolutionTheirs

	// ResolutionEdited means the file was fixed in place and only needs staging
	ResolutionEdited
)

// String returns the resolution name
func (r Resolution) String() string {
	switch r {
	case ResolutionOurs:
		return "ours"
	case ResolutionTheirs:
		return "theirs"
	case ResolutionEdited:
		return "edited"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// Resolver decides how each conflicted path is settled. Resolve may block
// (an interactive resolver waits for the user) and must return a
// decision for every path in conflicts.
type Resolver interface {
	Resolve(ctx context.Context, repo string, conflicts vcs.ConflictSet) (map[string]Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, repo string, conflicts vcs.ConflictSet) (map[string]Resolution, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, repo string, conflicts vcs.ConflictSet) (map[string]Resolution, error) {
	return f(ctx, repo, conflicts)
}

// sideResolver settles every path the same way
type sideResolver struct {
	resolution Resolution
}

func (s sideResolver) Resolve(_ context.Context, _ string, conflicts vcs.ConflictSet) (map[string]Resolution, error) {
	out := make(map[string]Resolution, len(conflicts))
	for _, p := range conflicts {
		out[p] = s.resolution
	}
	return out, nil
}

// Ours returns a resolver that keeps local content for every path
func Ours() Resolver {
	return sideResolver{resolution: ResolutionOurs}
}

// Theirs returns a resolver that keeps remote content for every path
func Theirs() Resolver {
	return sideResolver{resolution: ResolutionTheirs}
}

// applyResolutions stages each path according to its decision. Edited
// paths must be free of conflict markers.
func applyResolutions(ctx context.Context, repo vcs.Repository, conflicts vcs.ConflictSet, decisions map[string]Resolution) error {
	for _, path := range conflicts {
		decision, ok := decisions[path]
		if !ok {
			return fmt.Errorf("no resolution for %s: %w", path, vcs.ErrConflicts)
		}

		var err error
		switch decision {
		case ResolutionOurs:
			err = repo.CheckoutSide(ctx, path, vcs.SideOurs)
		case ResolutionTheirs:
			err = repo.CheckoutSide(ctx, path, vcs.SideTheirs)
		case ResolutionEdited:
			marked, serr := vcs.ScanConflictMarkers(repo.Path(), []string{path})
			if serr != nil {
				return serr
			}
			if !marked.Empty() {
				return fmt.Errorf("%s still has conflict markers: %w", path, vcs.ErrConflicts)
			}
			err = repo.MarkResolved(ctx, path)
		default:
			return fmt.Errorf("invalid resolution %s for %s", decision, path)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve %s as %s: %w", path, decision, err)
		}
	}
	return nil
}
