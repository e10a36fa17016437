// Package git provides the git implementation of vcs.Repository.
//
// The handle keeps an in-memory go-git repository for reads that should not
// spawn a process (HEAD, remotes, index stages) and shells out to the git
// binary for the history operations go-git does not implement: rebase,
// stash and strategy-option merges.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// DefaultTimeout bounds every git subprocess that does not carry its own
// deadline.
const DefaultTimeout = 2 * time.Minute

// defaultIgnore is written to .gitignore in freshly initialized repositories
const defaultIgnore = ".DS_Store\n"

// Repository implements vcs.Repository for one working directory.
type Repository struct {
	// path is the working directory path
	path string

	// vcsDir is the .git directory path
	vcsDir string

	// repo is the go-git handle used for reads
	repo *gogit.Repository

	// branch is the branch checked out when the handle was opened
	branch string

	// remote is the primary remote, empty Name when none is configured
	remote vcs.RemoteInfo

	// dirty records the last IsDirty result
	dirty bool

	// timeout bounds git subprocesses
	timeout time.Duration
}

// Option configures a Repository
type Option func(*Repository)

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Open attaches to an existing repository at path.
// Returns vcs.ErrNotInVCS if path has no .git directory.
func Open(path string, opts ...Option) (*Repository, error) {
	det, err := vcs.Detect(path)
	if err != nil {
		return nil, err
	}
	if !det.HasGit {
		return nil, vcs.ErrNotInVCS
	}
	return attach(det, opts)
}

// OpenOrCreate attaches to the repository at path, initializing it first
// when needed. A missing directory is created; an existing directory
// without metadata is initialized in place. Calling it twice on the same
// path yields equivalent handles.
func OpenOrCreate(path, branch string, opts ...Option) (*Repository, error) {
	det, err := vcs.Detect(path)
	if err != nil {
		return nil, err
	}

	if det.NeedsInit() {
		if err := initialize(det.Path, branch); err != nil {
			return nil, err
		}
		if det, err = vcs.Detect(path); err != nil {
			return nil, err
		}
	}

	return attach(det, opts)
}

// initialize creates the directory and repository metadata
func initialize(path, branch string) error {
	if branch == "" {
		branch = vcs.DefaultBranch
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}

	repo, err := gogit.PlainInitWithOptions(path, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(branch),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	ignore := filepath.Join(path, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte(defaultIgnore), 0644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}

	// Stage it so the first commit carries it
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if _, err := wt.Add(".gitignore"); err != nil {
		return fmt.Errorf("failed to stage .gitignore: %w", err)
	}

	return nil
}

// attach opens the go-git handle and loads branch and remote state
func attach(det *vcs.DetectionResult, opts []Option) (*Repository, error) {
	repo, err := gogit.PlainOpen(det.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", det.Path, err)
	}

	r := &Repository{
		path:    normalizeRepoRoot(det.Path),
		vcsDir:  det.VCSDir,
		repo:    repo,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.branch, err = r.CurrentBranch(); err != nil && !errors.Is(err, vcs.ErrDetached) {
		return nil, err
	}

	remotes, err := r.Remotes()
	if err != nil {
		return nil, err
	}
	r.remote = pickRemote(remotes)

	return r, nil
}

// pickRemote prefers the default remote, then the first configured one
func pickRemote(remotes []vcs.RemoteInfo) vcs.RemoteInfo {
	for _, rm := range remotes {
		if rm.Name == vcs.DefaultRemote {
			return rm
		}
	}
	if len(remotes) > 0 {
		return remotes[0]
	}
	return vcs.RemoteInfo{}
}

// normalizeRepoRoot resolves symlinks so paths compare equal on systems
// where the temp dir is itself a link
func normalizeRepoRoot(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// Name returns the VCS type (git)
func (r *Repository) Name() vcs.Type {
	return vcs.TypeGit
}

// Path returns the working directory path
func (r *Repository) Path() string {
	return r.path
}

// VCSDir returns the .git directory path
func (r *Repository) VCSDir() string {
	return r.vcsDir
}

// Branch returns the branch recorded when the handle was opened
func (r *Repository) Branch() string {
	return r.branch
}

// Remote returns the primary remote recorded when the handle was opened
func (r *Repository) Remote() vcs.RemoteInfo {
	return r.remote
}

// Dirty returns the result of the last IsDirty call
func (r *Repository) Dirty() bool {
	return r.dirty
}

// Version returns the git binary version string, e.g. "2.39.0"
func Version() (string, error) {
	cmd := exec.Command("git", "--version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git version: %w", err)
	}

	// Output format: "git version 2.39.0"
	return strings.TrimPrefix(strings.TrimSpace(string(output)), "git version "), nil
}

// Exec executes a raw git command in the working directory
func (r *Repository) Exec(ctx context.Context, args ...string) ([]byte, error) {
	if err := r.checkMetadata(); err != nil {
		return nil, err
	}

	output, err := vcs.ExecContext(ctx, r.timeout, r.path, "git", args...)
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}

	return output, nil
}

// checkMetadata guards against the .git directory vanishing mid-operation
func (r *Repository) checkMetadata() error {
	if _, err := os.Stat(r.vcsDir); err != nil {
		return fmt.Errorf("%s: %w", r.path, vcs.ErrCorrupt)
	}
	return nil
}

var _ vcs.Repository = (*Repository)(nil)
