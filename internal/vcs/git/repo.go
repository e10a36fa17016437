package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// CurrentBranch returns the checked out branch name.
// An unborn branch reports the name HEAD points at.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}

	if head.Type() == plumbing.SymbolicReference {
		return head.Target().Short(), nil
	}

	return "", vcs.ErrDetached
}

// HeadHash returns the commit HEAD resolves to, "" if unborn
func (r *Repository) HeadHash() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// RefHash returns the hash of a local or remote tracking branch
func (r *Repository) RefHash(remote, branch string) (string, error) {
	name := plumbing.NewBranchReferenceName(branch)
	if remote != "" {
		name = plumbing.NewRemoteReferenceName(remote, branch)
	}

	ref, err := r.repo.Reference(name, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%s: %w", name.Short(), vcs.ErrRefNotFound)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", name.Short(), err)
	}
	return ref.Hash().String(), nil
}

// HasRemote returns true if the named remote is configured.
// An empty name matches any remote.
func (r *Repository) HasRemote(name string) bool {
	remotes, err := r.repo.Remotes()
	if err != nil {
		return false
	}
	if name == "" {
		return len(remotes) > 0
	}
	for _, rm := range remotes {
		if rm.Config().Name == name {
			return true
		}
	}
	return false
}

// Remotes returns information about configured remotes, sorted by name
func (r *Repository) Remotes() ([]vcs.RemoteInfo, error) {
	remotes, err := r.repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}

	result := make([]vcs.RemoteInfo, 0, len(remotes))
	for _, rm := range remotes {
		cfg := rm.Config()
		info := vcs.RemoteInfo{Name: cfg.Name}
		if len(cfg.URLs) > 0 {
			info.URL = cfg.URLs[0]
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SetRemote creates the named remote or replaces its URL
func (r *Repository) SetRemote(name, url string) error {
	if name == "" {
		name = vcs.DefaultRemote
	}

	if err := r.repo.DeleteRemote(name); err != nil && !errors.Is(err, gogit.ErrRemoteNotFound) {
		return fmt.Errorf("failed to replace remote %s: %w", name, err)
	}

	_, err := r.repo.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("failed to create remote %s: %w", name, err)
	}

	if r.remote.Name == "" || r.remote.Name == name {
		r.remote = vcs.RemoteInfo{Name: name, URL: url}
	}
	return nil
}

// IsDirty returns true if there are uncommitted changes, including
// untracked files
func (r *Repository) IsDirty() (bool, error) {
	output, err := r.Exec(context.Background(), "status", "--porcelain")
	if err != nil {
		return false, err
	}

	r.dirty = len(strings.TrimSpace(string(output))) > 0
	return r.dirty, nil
}

// IsInRebaseOrMerge returns true if currently in a rebase or merge operation
func (r *Repository) IsInRebaseOrMerge() bool {
	det, err := vcs.Detect(r.path)
	if err != nil {
		return false
	}
	return det.Interrupted != ""
}

// inRebase returns true if a rebase specifically is in progress
func (r *Repository) inRebase() bool {
	det, err := vcs.Detect(r.path)
	return err == nil && det.Interrupted == "rebase"
}
