package vcs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// DetectionResult describes what is on disk at a repository path
type DetectionResult struct {
	// Path is the absolute directory path
	Path string

	// Exists indicates the directory exists
	Exists bool

	// HasGit indicates a .git directory was found directly in Path
	HasGit bool

	// VCSDir is the metadata directory path, empty when HasGit is false
	VCSDir string

	// Interrupted names an integration left in progress by a previous
	// process ("rebase" or "merge"), empty otherwise.
	Interrupted string
}

// NeedsInit is true when open-or-create has to initialize metadata
func (r *DetectionResult) NeedsInit() bool {
	return !r.HasGit
}

// Detect inspects path without modifying it.
//
// Unlike a working-copy lookup, Detect does not walk up to parent
// directories: every per-entity repository is its own root, and a data
// root that is itself under version control must not capture the
// repositories beneath it.
func Detect(path string) (*DetectionResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	result := &DetectionResult{Path: absPath}

	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", absPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", absPath)
	}
	result.Exists = true

	gitDir := filepath.Join(absPath, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		result.HasGit = true
		result.VCSDir = gitDir
		result.Interrupted = interruptedOperation(gitDir)
	}

	return result, nil
}

// interruptedOperation checks for rebase and merge state left behind
func interruptedOperation(gitDir string) string {
	// Check for rebase-merge directory (interactive and merge-based rebase)
	if _, err := os.Stat(filepath.Join(gitDir, "rebase-merge")); err == nil {
		return "rebase"
	}

	// Check for rebase-apply directory (am-based rebase)
	if _, err := os.Stat(filepath.Join(gitDir, "rebase-apply")); err == nil {
		return "rebase"
	}

	// Check for MERGE_HEAD (merge in progress)
	if _, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD")); err == nil {
		return "merge"
	}

	return ""
}

// FindRepositories lists the immediate subdirectories of root that hold
// a repository, sorted by name. Hidden directories are skipped.
func FindRepositories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if info, err := os.Stat(filepath.Join(root, entry.Name(), ".git")); err == nil && info.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// IsGitAvailable checks if the git command is available on the system
func IsGitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}
