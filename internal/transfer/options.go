package transfer

import (
	"log/slog"

	"github.com/nmgrl/dvcsync/internal/metarepo"
	"github.com/nmgrl/dvcsync/internal/syncer"
)

// DefaultWorkers bounds how many repositories are written in parallel
const DefaultWorkers = 4

// Option configures a Pipeline
type Option func(*Pipeline)

// WithBranch sets the branch new repositories are created on
func WithBranch(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.branch = name
		}
	}
}

// WithRemote configures the remote added to new repositories. urlTemplate
// is a text/template rendered with {{.Name}}; empty leaves repositories
// local.
func WithRemote(name, urlTemplate string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.remoteName = name
		}
		p.remoteTemplate = urlTemplate
	}
}

// WithWorkers sets the number of repositories written in parallel
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMetaRepo enables level and holder files in the metadata repository
func WithMetaRepo(m *metarepo.Repo) Option {
	return func(p *Pipeline) {
		p.meta = m
	}
}

// WithSyncer brings every repository that has a remote level with it
// before records are written. The metadata repository is synced once per
// batch. Records of a repository that does not sync cleanly fail with
// ErrNotSynced.
func WithSyncer(e *syncer.Engine) Option {
	return func(p *Pipeline) {
		p.syncer = e
	}
}

// WithPush pushes each repository after its records are committed.
// It has no effect without WithSyncer.
func WithPush(push bool) Option {
	return func(p *Pipeline) {
		p.push = push
	}
}

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver registers a callback invoked for every outcome as soon as
// it is known. It may be called from several goroutines.
func WithObserver(fn func(Outcome)) Option {
	return func(p *Pipeline) {
		p.observer = fn
	}
}
