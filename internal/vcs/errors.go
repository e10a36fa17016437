package vcs

import "errors"

// Common errors returned by repository operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrNoRemote) {
//	    // report and carry on; the repository is local only
//	}
var (
	// ErrNotInVCS is returned when a directory has no repository metadata
	// and the operation does not create it.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the git binary is not installed
	// or not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrVCSTooOld is returned when the git binary lacks a required feature
	ErrVCSTooOld = errors.New("VCS binary version too old")

	// ErrNoRemote is returned when an operation requires a remote
	// but none is configured.
	ErrNoRemote = errors.New("no remote configured")

	// ErrRefNotFound is returned when a branch or tracking ref is missing
	ErrRefNotFound = errors.New("reference not found")

	// ErrDetached is returned when HEAD does not point at a branch
	ErrDetached = errors.New("not on a branch")

	// ErrConflicts is returned when an operation cannot complete
	// due to unresolved conflicts.
	ErrConflicts = errors.New("unresolved conflicts")

	// ErrFetchFailed is returned when a fetch could not reach the remote
	ErrFetchFailed = errors.New("fetch failed")

	// ErrPushRejected is returned when a push is rejected by the remote,
	// typically due to non-fast-forward updates.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrMergeRequired is returned when a fast-forward was requested but
	// histories have diverged.
	ErrMergeRequired = errors.New("merge required")

	// ErrRebaseFailed is returned when a rebase fails for a reason other
	// than content conflicts.
	ErrRebaseFailed = errors.New("rebase failed")

	// ErrStashRestore is returned when a stashed snapshot could not be
	// re-applied. The snapshot is left on the stash list.
	ErrStashRestore = errors.New("failed to restore stashed changes")

	// ErrCorrupt is returned when repository metadata disappears or is
	// unreadable mid-operation.
	ErrCorrupt = errors.New("repository metadata missing or corrupt")

	// ErrLocked is returned when another worker holds the repository lock
	ErrLocked = errors.New("repository locked by another worker")

	// ErrTimeout is returned when an operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable returns true if the error is transient and the operation
// may succeed if retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network-level failures
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrFetchFailed) {
		return true
	}

	// Another worker is mid-operation
	if errors.Is(err, ErrLocked) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error requires a policy
// decision (conflicts, divergent history, rejected push).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrConflicts) ||
		errors.Is(err, ErrMergeRequired) ||
		errors.Is(err, ErrPushRejected)
}

// IsFatal returns true if the error leaves the repository in a state that
// needs manual inspection. Batches abort on fatal errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrStashRestore) {
		return true
	}

	// Binary not available means we can't execute commands
	if errors.Is(err, ErrVCSNotAvailable) {
		return true
	}

	return false
}
