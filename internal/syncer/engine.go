package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nmgrl/dvcsync/internal/telemetry"
	"github.com/nmgrl/dvcsync/internal/vcs"
)

const scopeName = "github.com/nmgrl/dvcsync/syncer"

// DefaultRetryMaxElapsed bounds retries of transient fetch/push failures
const DefaultRetryMaxElapsed = 30 * time.Second

// stashMessage labels the snapshot taken before integrating
const stashMessage = "dvcsync: snapshot before sync"

// Engine implements Syncer.
type Engine struct {
	remote           string
	branch           string
	resolver         Resolver
	allowDestructive bool
	retryMaxElapsed  time.Duration
	logger           *slog.Logger
	inst             *telemetry.Instruments
}

// Option configures an Engine
type Option func(*Engine)

// WithRemote sets the remote name (default "origin")
func WithRemote(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.remote = name
		}
	}
}

// WithBranch pins the branch to sync. By default the checked out branch
// is used.
func WithBranch(name string) Option {
	return func(e *Engine) {
		e.branch = name
	}
}

// WithResolver sets the conflict resolver. Without one, conflicts end
// the sync in ConflictPending.
func WithResolver(r Resolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithAllowDestructive permits the fallbacks that can discard local
// content after a failed rebase: an accept-remote merge, then a reset to
// the remote.
func WithAllowDestructive(allow bool) Option {
	return func(e *Engine) {
		e.allowDestructive = allow
	}
}

// WithRetryMaxElapsed bounds transient-failure retries. Zero or negative
// disables retrying.
func WithRetryMaxElapsed(d time.Duration) Option {
	return func(e *Engine) {
		e.retryMaxElapsed = d
	}
}

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine.
//
// If no logger is given, a text logger writing to stderr is used.
//
// Example:
//
//	engine := syncer.New(
//	    syncer.WithResolver(syncer.Theirs()),
//	    syncer.WithLogger(logger),
//	)
//	res, err := engine.SmartSync(ctx, repo)
func New(opts ...Option) *Engine {
	e := &Engine{
		remote:          vcs.DefaultRemote,
		retryMaxElapsed: DefaultRetryMaxElapsed,
		logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		inst:            telemetry.NewInstruments(scopeName, "dvcsync.sync"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Syncer = (*Engine)(nil)

// Remote returns the remote name the engine fetches from and pushes to
func (e *Engine) Remote() string {
	return e.remote
}

// SmartSync implements Syncer.SmartSync.
func (e *Engine) SmartSync(ctx context.Context, repo vcs.Repository) (res *Result, err error) {
	ctx, span, start := e.inst.Start(ctx, "SmartSync", attribute.String("repo", repo.Path()))
	res = &Result{Repository: repo.Path()}
	defer func() {
		res.Duration = time.Since(start)
		outcome := res.State.String()
		if err != nil {
			outcome = "error"
		}
		e.inst.Done(ctx, span, start, outcome, err)
	}()

	release, err := repo.Lock()
	if err != nil {
		return res, err
	}
	defer release()

	// A rebase or merge left behind by a crashed run takes precedence
	if repo.IsInRebaseOrMerge() {
		done, err := e.recoverInterrupted(ctx, repo, res)
		if err != nil || done {
			return res, err
		}
	}

	branch, err := e.branchFor(repo)
	if err != nil {
		return res, err
	}
	log := e.logger.With("repo", repo.Path(), "branch", branch)

	if err := e.retry(ctx, func() error { return repo.Fetch(ctx, e.remote) }); err != nil {
		log.Warn("fetch failed", "remote", e.remote, "error", err)
		return res, fmt.Errorf("fetch %s: %w", e.remote, err)
	}

	div, err := repo.AheadBehind(e.remote, branch)
	if err != nil {
		return res, err
	}
	res.Divergence = div
	res.Initial = Classify(div)

	switch res.Initial {
	case UpToDate, AheadOnly:
		res.State = res.Initial

	case BehindOnly:
		if err := repo.FastForward(ctx, e.remote, branch); err != nil {
			return res, err
		}
		res.State = UpToDate

	case Diverged:
		if err := e.integrate(ctx, repo, branch, res); err != nil {
			return res, err
		}
	}

	log.Info("sync complete", "initial", res.Initial, "state", res.State,
		"divergence", div.String(), "conflicts", len(res.Conflicts))
	return res, nil
}

// integrate runs the diverged branch of the protocol inside a stash
// snapshot that is restored on every exit path.
func (e *Engine) integrate(ctx context.Context, repo vcs.Repository, branch string, res *Result) (err error) {
	stashed, err := repo.Stash(ctx, stashMessage)
	if err != nil {
		return fmt.Errorf("failed to snapshot working tree: %w", err)
	}
	res.Stashed = stashed

	defer func() {
		// Never pop a snapshot onto a half-finished integration
		if err != nil && repo.IsInRebaseOrMerge() {
			if aerr := repo.AbortIntegration(ctx); aerr != nil {
				e.logger.Error("failed to abort integration", "repo", repo.Path(), "error", aerr)
			}
		}
		if !stashed {
			return
		}
		if perr := repo.StashPop(ctx); perr != nil {
			e.logger.Error("snapshot not restored; it remains on the stash list",
				"repo", repo.Path(), "error", perr)
			err = errors.Join(err, perr)
		}
	}()

	rerr := repo.Rebase(ctx, e.remote, branch)
	switch {
	case rerr == nil:
		set, err := repo.DetectConflicts()
		if err != nil {
			return err
		}
		res.Conflicts = set
		if set.Empty() {
			res.State = Resolved
		} else {
			res.State = ConflictPending
		}
		return nil

	case vcs.IsFatal(rerr):
		return rerr

	case errors.Is(rerr, vcs.ErrConflicts):
		set, err := repo.DetectConflicts()
		if err != nil {
			return err
		}
		if err := repo.AbortIntegration(ctx); err != nil {
			return fmt.Errorf("failed to abort rebase: %w", err)
		}
		if set.Empty() {
			return e.acceptRemote(ctx, repo, branch, res, rerr)
		}
		res.Conflicts = set
		if e.resolver == nil {
			res.State = ConflictPending
			return nil
		}
		return e.resolveByMerge(ctx, repo, branch, res)

	default:
		if err := repo.AbortIntegration(ctx); err != nil {
			return fmt.Errorf("failed to abort rebase: %w", err)
		}
		if !e.allowDestructive {
			res.State = Diverged
			e.logger.Warn("rebase failed, local history kept", "repo", repo.Path(), "error", rerr)
			return rerr
		}
		return e.acceptRemote(ctx, repo, branch, res, rerr)
	}
}

// resolveByMerge replays the integration as a merge so each conflicted
// path can be settled once and the result recorded in a merge commit.
func (e *Engine) resolveByMerge(ctx context.Context, repo vcs.Repository, branch string, res *Result) error {
	err := repo.MergeNoCommit(ctx, e.remote, branch)
	if err != nil && !errors.Is(err, vcs.ErrConflicts) {
		return err
	}

	if err != nil {
		set, err := repo.DetectConflicts()
		if err != nil {
			return err
		}
		res.Conflicts = set
		if err := e.resolve(ctx, repo, set); err != nil {
			return err
		}
	}

	if err := repo.FinishMerge(ctx, mergeMessage(e.remote, branch, res.Conflicts)); err != nil {
		return err
	}
	res.State = Resolved
	return nil
}

// acceptRemote merges the remote preferring its content, then resets to
// it when allowed. Callers reach it for a rebase that stopped with no
// conflicted paths, or for any rebase failure once destructive recovery
// is allowed.
func (e *Engine) acceptRemote(ctx context.Context, repo vcs.Repository, branch string, res *Result, cause error) error {
	e.logger.Warn("rebase failed, merging remote", "repo", repo.Path(), "error", cause)

	merr := repo.MergeAcceptRemote(ctx, e.remote, branch)
	if merr == nil {
		res.Recovery = RecoveryAcceptRemote
		res.State = Resolved
		return nil
	}

	if !e.allowDestructive {
		res.State = Diverged
		return fmt.Errorf("%w (accept-remote merge: %v)", cause, merr)
	}

	e.logger.Warn("discarding local history", "repo", repo.Path(), "remote", e.remote)
	if err := repo.ResetToRemote(ctx, e.remote, branch); err != nil {
		return fmt.Errorf("reset to %s/%s: %w", e.remote, branch, err)
	}
	res.Recovery = RecoveryReset
	res.State = Resolved
	return nil
}

// recoverInterrupted handles a repository opened mid-integration. It
// returns done=false when the normal protocol should run afterwards.
func (e *Engine) recoverInterrupted(ctx context.Context, repo vcs.Repository, res *Result) (bool, error) {
	set, err := repo.DetectConflicts()
	if err != nil {
		return true, err
	}
	res.Initial = ConflictPending
	res.Conflicts = set

	det, err := vcs.Detect(repo.Path())
	if err != nil {
		return true, err
	}

	if e.resolver == nil {
		res.State = ConflictPending
		e.logger.Warn("interrupted integration found", "repo", repo.Path(),
			"operation", det.Interrupted, "conflicts", len(set))
		return true, nil
	}

	if det.Interrupted == "merge" {
		branch, err := e.branchFor(repo)
		if err != nil {
			return true, err
		}
		if err := e.resolve(ctx, repo, set); err != nil {
			return true, err
		}
		if err := repo.FinishMerge(ctx, mergeMessage(e.remote, branch, set)); err != nil {
			return true, err
		}
		res.State = Resolved
		return true, nil
	}

	// A half-applied rebase cannot be resumed safely; start over
	if err := repo.AbortIntegration(ctx); err != nil {
		return true, fmt.Errorf("failed to abort interrupted rebase: %w", err)
	}
	return false, nil
}

// resolve asks the resolver for decisions and stages them
func (e *Engine) resolve(ctx context.Context, repo vcs.Repository, set vcs.ConflictSet) error {
	if set.Empty() {
		return nil
	}
	if e.resolver == nil {
		return fmt.Errorf("%d conflicted paths: %w", len(set), vcs.ErrConflicts)
	}

	decisions, err := e.resolver.Resolve(ctx, repo.Path(), set)
	if err != nil {
		return err
	}
	return applyResolutions(ctx, repo, set, decisions)
}

// Push implements Syncer.Push.
func (e *Engine) Push(ctx context.Context, repo vcs.Repository) (*PushResult, error) {
	res := &PushResult{Repository: repo.Path()}

	if !repo.HasRemote(e.remote) {
		res.Reason = fmt.Sprintf("no remote %q configured", e.remote)
		e.logger.Info("push skipped", "repo", repo.Path(), "reason", res.Reason)
		return res, nil
	}

	branch, err := e.branchFor(repo)
	if err != nil {
		return res, err
	}

	opts := vcs.PushOptions{Remote: e.remote, Branch: branch, SetUpstream: true}
	if err := e.retry(ctx, func() error { return repo.Push(ctx, opts) }); err != nil {
		return res, err
	}

	res.Pushed = true
	return res, nil
}

// Status implements Syncer.Status.
func (e *Engine) Status(ctx context.Context, repo vcs.Repository, fetch bool) (*Status, error) {
	st := &Status{
		Repository:  repo.Path(),
		Interrupted: repo.IsInRebaseOrMerge(),
	}

	var err error
	if st.Dirty, err = repo.IsDirty(); err != nil {
		return st, err
	}
	if st.Conflicts, err = repo.DetectConflicts(); err != nil {
		return st, err
	}

	branch, err := e.branchFor(repo)
	if errors.Is(err, vcs.ErrDetached) && st.Interrupted {
		// HEAD is detached while a rebase is stopped; nothing to compare
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Branch = branch

	if !repo.HasRemote(e.remote) {
		return st, nil
	}
	st.Remote = e.remote

	if fetch {
		if err := e.retry(ctx, func() error { return repo.Fetch(ctx, e.remote) }); err != nil {
			return st, err
		}
	}
	st.Divergence, err = repo.AheadBehind(e.remote, branch)
	return st, err
}

// branchFor returns the pinned branch or the checked out one
func (e *Engine) branchFor(repo vcs.Repository) (string, error) {
	if e.branch != "" {
		return e.branch, nil
	}
	return repo.CurrentBranch()
}

// retry runs op, retrying transient failures with exponential backoff
func (e *Engine) retry(ctx context.Context, op func() error) error {
	if e.retryMaxElapsed <= 0 {
		return op()
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.retryMaxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err != nil && vcs.IsRetryable(err) {
			e.logger.Debug("retrying transient failure", "error", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// mergeMessage describes a resolved integration
func mergeMessage(remote, branch string, resolved vcs.ConflictSet) string {
	if resolved.Empty() {
		return fmt.Sprintf("merge %s/%s", remote, branch)
	}
	return fmt.Sprintf("merge %s/%s, resolved %d conflicted paths", remote, branch, len(resolved))
}
