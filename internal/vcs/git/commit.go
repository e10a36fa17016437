package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/format/index"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// Add stages a file. When commitImmediately is set the file is committed
// on its own with "added <path>" or "modified <path>" depending on whether
// it was tracked before this call.
func (r *Repository) Add(ctx context.Context, path string, commitImmediately bool) error {
	rel, err := r.relative(path)
	if err != nil {
		return err
	}

	existed, err := r.isTracked(rel)
	if err != nil {
		return err
	}

	if _, err := r.Exec(ctx, "add", "--", rel); err != nil {
		return err
	}

	if !commitImmediately {
		return nil
	}

	verb := "added"
	if existed {
		verb = "modified"
	}
	_, err = r.Commit(ctx, fmt.Sprintf("%s %s", verb, filepath.ToSlash(rel)))
	return err
}

// Commit commits all staged changes. Nothing staged is a no-op.
func (r *Repository) Commit(ctx context.Context, message string) (bool, error) {
	if message == "" {
		return false, fmt.Errorf("commit message is required")
	}

	staged, err := r.hasStagedChanges(ctx)
	if err != nil {
		return false, err
	}
	if !staged {
		return false, nil
	}

	if _, err := r.Exec(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return false, err
	}

	return true, nil
}

// hasStagedChanges runs diff --cached --quiet, which exits 1 when the
// index differs from HEAD
func (r *Repository) hasStagedChanges(ctx context.Context) (bool, error) {
	_, err := r.Exec(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if vcs.GetExitCode(err) == 1 {
		return true, nil
	}
	return false, err
}

// isTracked reports whether rel has an index entry
func (r *Repository) isTracked(rel string) (bool, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return false, fmt.Errorf("failed to read index: %w", err)
	}

	if _, err := idx.Entry(filepath.ToSlash(rel)); err != nil {
		if errors.Is(err, index.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// relative converts an absolute or working-directory-relative path into a
// repository-relative one and rejects paths outside the working directory
func (r *Repository) relative(path string) (string, error) {
	abs, err := vcs.SanitizePath(path, r.path)
	if err != nil {
		return "", err
	}
	if !vcs.IsSubPath(r.path, abs) {
		// The caller may hold the unresolved form of a symlinked root
		if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
			abs = filepath.Join(resolved, filepath.Base(abs))
		}
		if !vcs.IsSubPath(r.path, abs) {
			return "", fmt.Errorf("%s is outside repository %s", path, r.path)
		}
	}
	return vcs.RelativePath(r.path, abs)
}
