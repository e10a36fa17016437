// Package vcs defines the repository handle contract used by the sync
// engine and the transfer pipeline.
//
// Each logical collection (an irradiation, a project) lives in its own
// on-disk repository. A Repository value wraps exactly one of those
// directories and is owned by a single worker; callers never share a
// handle across goroutines without holding the repository lock.
//
// # Architecture
//
// The Repository interface covers:
//   - Opening or initializing a working directory
//   - Staging and committing artifacts
//   - Divergence against a remote tracking ref
//   - Conflict detection by index stage and marker scan
//   - The integration primitives the sync engine composes:
//     stash, fast-forward, rebase, merge-accept-remote, reset
//
// # Implementations
//
//   - internal/vcs/git: go-git handle plus the git binary for history
//     rewriting operations go-git does not implement
package vcs

import (
	"context"
	"fmt"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git repository
	TypeGit Type = "git"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// Repository is the handle to one per-entity repository.
//
// No method makes a network call except Fetch, Push and the integration
// methods that name a remote ref which must already have been fetched.
type Repository interface {
	// ===================
	// Identity
	// ===================

	// Name returns the VCS type
	Name() Type

	// Path returns the absolute working directory path
	Path() string

	// VCSDir returns the metadata directory path (.git)
	VCSDir() string

	// ===================
	// Branch and Remote State
	// ===================

	// CurrentBranch returns the checked out branch name. An unborn
	// branch (no commits yet) still reports its name.
	CurrentBranch() (string, error)

	// HasRemote returns true if the named remote is configured.
	// An empty name matches any remote.
	HasRemote(name string) bool

	// Remotes returns the configured remotes
	Remotes() ([]RemoteInfo, error)

	// SetRemote creates or updates the named remote
	SetRemote(name, url string) error

	// IsDirty returns true if the working tree has uncommitted changes
	// to tracked or untracked files.
	IsDirty() (bool, error)

	// IsInRebaseOrMerge returns true if an integration was interrupted
	IsInRebaseOrMerge() bool

	// ===================
	// Staging and Commits
	// ===================

	// Add stages a file. When commitImmediately is set the file is
	// committed on its own with an "added"/"modified" message chosen by
	// whether the path was tracked before the call.
	Add(ctx context.Context, path string, commitImmediately bool) error

	// Commit commits all staged changes. Nothing staged is a no-op and
	// returns (false, nil).
	Commit(ctx context.Context, message string) (bool, error)

	// HeadHash returns the commit hash HEAD points at, or "" when the
	// branch is unborn.
	HeadHash() (string, error)

	// ===================
	// Remote Operations
	// ===================

	// Fetch updates remote tracking refs without touching the work tree
	Fetch(ctx context.Context, remote string) error

	// Push pushes branch to remote. A missing remote returns ErrNoRemote.
	Push(ctx context.Context, opts PushOptions) error

	// AheadBehind compares the local branch tip with the already fetched
	// remote tracking ref.
	AheadBehind(remote, branch string) (DivergenceState, error)

	// Divergence fetches remote refs and then calls AheadBehind.
	Divergence(ctx context.Context, remote, branch string) (DivergenceState, error)

	// ===================
	// Integration Primitives
	// ===================

	// Stash snapshots uncommitted changes, including untracked files.
	// Returns false when there was nothing to stash.
	Stash(ctx context.Context, message string) (bool, error)

	// StashPop restores the most recent snapshot
	StashPop(ctx context.Context) error

	// FastForward moves the local branch to remote/branch. Fails with
	// ErrMergeRequired if that is not a fast-forward.
	FastForward(ctx context.Context, remote, branch string) error

	// Rebase replays local commits on remote/branch, preserving merges.
	// Conflicts return an error wrapping ErrConflicts and leave the
	// rebase in progress; any other failure wraps ErrRebaseFailed.
	Rebase(ctx context.Context, remote, branch string) error

	// AbortIntegration aborts any in-progress rebase or merge
	AbortIntegration(ctx context.Context) error

	// MergeNoCommit starts a merge of remote/branch without committing so
	// conflicts can be resolved path by path.
	MergeNoCommit(ctx context.Context, remote, branch string) error

	// MergeAcceptRemote merges remote/branch preferring remote content on
	// every conflicting hunk and commits the result.
	MergeAcceptRemote(ctx context.Context, remote, branch string) error

	// ResetToRemote discards local history and resets to remote/branch.
	ResetToRemote(ctx context.Context, remote, branch string) error

	// CheckoutSide replaces a conflicted path with one side of the merge
	// and stages it.
	CheckoutSide(ctx context.Context, path string, side Side) error

	// MarkResolved stages a path whose conflict was fixed in place
	MarkResolved(ctx context.Context, path string) error

	// FinishMerge commits an in-progress merge once every path is staged
	FinishMerge(ctx context.Context, message string) error

	// ===================
	// Conflict Detection
	// ===================

	// DetectConflicts returns tracked paths that are unmerged in the index
	// or contain conflict markers in the working tree.
	DetectConflicts() (ConflictSet, error)

	// ===================
	// Locking
	// ===================

	// Lock takes the exclusive per-repository lock. The returned function
	// releases it.
	Lock() (func() error, error)
}

// ===================
// Value Types
// ===================

// RemoteInfo contains information about a remote repository
type RemoteInfo struct {
	// Name is the remote name (e.g., "origin")
	Name string

	// URL is the remote URL
	URL string
}

// PushOptions configures a push operation
type PushOptions struct {
	// Remote is the remote name. Empty uses DefaultRemote.
	Remote string

	// Branch is the branch to push. Empty uses the current branch.
	Branch string

	// SetUpstream configures the upstream tracking reference
	SetUpstream bool
}

// DivergenceState counts commits unique to each side of a branch/remote
// pair. It is computed on demand and never cached.
type DivergenceState struct {
	// Ahead is the number of local-only commits
	Ahead int

	// Behind is the number of remote-only commits
	Behind int
}

// IsDiverged is true if both sides have unique commits
func (d DivergenceState) IsDiverged() bool {
	return d.Ahead > 0 && d.Behind > 0
}

// String renders the state as "ahead N, behind M"
func (d DivergenceState) String() string {
	return fmt.Sprintf("ahead %d, behind %d", d.Ahead, d.Behind)
}

// ConflictSet is the ordered list of repository-relative paths that hold
// unresolved conflicts. An empty set means integration is not blocked.
type ConflictSet []string

// Empty returns true if there are no conflicted paths
func (c ConflictSet) Empty() bool {
	return len(c) == 0
}

// Contains reports whether path is in the set
func (c ConflictSet) Contains(path string) bool {
	for _, p := range c {
		if p == path {
			return true
		}
	}
	return false
}

// Side selects one version of a conflicted path
type Side string

const (
	// SideOurs keeps the local version
	SideOurs Side = "ours"

	// SideTheirs keeps the remote version
	SideTheirs Side = "theirs"
)

// ===================
// Constants
// ===================

// DefaultRemote is the remote name used when none is given
const DefaultRemote = "origin"

// DefaultBranch is the branch new repositories are created on
const DefaultBranch = "master"
