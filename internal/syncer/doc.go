// Package syncer keeps per-entity repositories in step with their remotes.
//
// Overview
//
// Each call to SmartSync works on one repository handle and follows a
// fixed sequence: fetch, compare, then pick an integration strategy from
// the divergence.
//
//	fetch ──► ahead/behind ──┬─ 0/0  ─► UpToDate
//	                         ├─ 0/b  ─► fast-forward ─► UpToDate
//	                         ├─ a/0  ─► AheadOnly (free to push)
//	                         └─ a/b  ─► Diverged
//	                                      │ stash
//	                                      │ rebase onto remote
//	                                      ├─ clean ───────────► Resolved
//	                                      ├─ conflicts ───────► ConflictPending
//	                                      │     └─ resolver ──► merge commit ─► Resolved
//	                                      ├─ stopped, no paths ► accept-remote merge ─► Resolved
//	                                      └─ other failure ───► error (Diverged)
//	                                            └─ allowed ───► accept-remote merge / reset ─► Resolved
//	                                      │ stash pop (every exit path)
//
// Conflict resolution is delegated to a Resolver. Without one the engine
// aborts the integration, restores the working tree and reports the
// ConflictSet; it never picks a side on its own.
//
// Error Handling
//
//   - Fetch failure leaves the repository untouched. Transient failures
//     are retried with exponential backoff before giving up.
//   - A missing remote is reported as vcs.ErrNoRemote by SmartSync and as
//     an unpushed PushResult by Push.
//   - A snapshot that cannot be restored wraps vcs.ErrStashRestore and is
//     fatal; the snapshot stays on the stash list for inspection.
//   - A rebase that fails for any reason other than conflicts is aborted
//     and returned as an error. Merging the remote's content over local
//     commits, or resetting to the remote, only happens when the engine
//     was built WithAllowDestructive.
//
// Concurrency
//
// An Engine holds no per-repository state and may be shared across
// goroutines. Each SmartSync call takes the repository lock, so two
// workers pointed at the same directory fail fast with vcs.ErrLocked
// instead of interleaving.
package syncer
