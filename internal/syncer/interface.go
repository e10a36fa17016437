package syncer

import (
	"context"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// Syncer keeps one repository at a time in step with its remote.
//
// Implementations must leave the working tree exactly as they found it
// when they return an error before integration started (fetch failure,
// missing remote, lock held elsewhere).
type Syncer interface {
	// SmartSync fetches, classifies divergence and integrates.
	//
	// A ConflictPending result is not an error: the ConflictSet is
	// returned in the Result for a caller or resolver to act on.
	//
	// Example:
	//   res, err := s.SmartSync(ctx, repo)
	//   if err == nil && res.State == syncer.ConflictPending {
	//       fmt.Println(res.Conflicts)
	//   }
	SmartSync(ctx context.Context, repo vcs.Repository) (*Result, error)

	// Push sends the current branch to the configured remote.
	//
	// A repository without a remote is reported through PushResult,
	// not as an error.
	Push(ctx context.Context, repo vcs.Repository) (*PushResult, error)

	// Status computes the ahead/behind/dirty/conflict snapshot.
	// When fetch is false no network call is made.
	Status(ctx context.Context, repo vcs.Repository, fetch bool) (*Status, error)
}
