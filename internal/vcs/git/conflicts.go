package git

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing/format/index"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// DetectConflicts returns the paths that are unmerged in the index or carry
// conflict markers in the working tree. The marker scan covers every
// tracked file, so a conflict left behind by an interrupted process is
// found even after its index stages were lost.
func (r *Repository) DetectConflicts() (vcs.ConflictSet, error) {
	if err := r.checkMetadata(); err != nil {
		return nil, err
	}

	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	unmerged := make(vcs.ConflictSet, 0)
	tracked := make([]string, 0, len(idx.Entries))
	seen := make(map[string]bool, len(idx.Entries))

	for _, e := range idx.Entries {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true

		if e.Stage != index.Merged {
			unmerged = append(unmerged, e.Name)
		}
		tracked = append(tracked, e.Name)
	}

	marked, err := vcs.ScanConflictMarkers(r.path, tracked)
	if err != nil {
		return nil, err
	}

	return vcs.MergeConflictSets(unmerged, marked), nil
}

// unmergedPaths lists index entries at a non-zero stage
func (r *Repository) unmergedPaths() ([]string, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, e := range idx.Entries {
		if e.Stage != index.Merged && !seen[e.Name] {
			seen[e.Name] = true
			paths = append(paths, e.Name)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
