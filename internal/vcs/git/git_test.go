package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) (string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "git-vcs-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	// Initialize git repo
	cmd := exec.Command("git", "init")
	cmd.Dir = tmpDir
	if err := cmd.Run(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to init git repo: %v", err)
	}

	// Pin the branch name regardless of init.defaultBranch
	exec.Command("git", "-C", tmpDir, "symbolic-ref", "HEAD", "refs/heads/master").Run()
	configureUser(tmpDir)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// configureUser sets a commit identity so tests don't depend on global config
func configureUser(dir string) {
	exec.Command("git", "-C", dir, "config", "user.name", "Test User").Run()
	exec.Command("git", "-C", dir, "config", "user.email", "test@example.com").Run()
	exec.Command("git", "-C", dir, "config", "commit.gpgsign", "false").Run()
}

// runGit runs a git command in dir and fails the test on error
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// commitFile writes content to name and commits it
func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	runGit(t, dir, "add", "--", name)
	runGit(t, dir, "commit", "--no-verify", "-m", message)
}

// setupRemotePair creates a bare remote plus two clones sharing one
// initial commit. local is the clone under test, other plays the
// collaborator pushing to the remote.
func setupRemotePair(t *testing.T) (local, other string, cleanup func()) {
	t.Helper()

	root, err := os.MkdirTemp("", "git-vcs-pair-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	cleanup = func() { os.RemoveAll(root) }

	bare := filepath.Join(root, "remote.git")
	runGit(t, root, "init", "--bare", bare)
	runGit(t, bare, "symbolic-ref", "HEAD", "refs/heads/master")

	local = filepath.Join(root, "local")
	if err := os.MkdirAll(local, 0755); err != nil {
		cleanup()
		t.Fatalf("failed to create local: %v", err)
	}
	runGit(t, local, "init")
	runGit(t, local, "symbolic-ref", "HEAD", "refs/heads/master")
	configureUser(local)
	commitFile(t, local, "data.txt", "base\n", "initial")
	runGit(t, local, "remote", "add", "origin", bare)
	runGit(t, local, "push", "origin", "master")

	other = filepath.Join(root, "other")
	runGit(t, root, "clone", "-b", "master", bare, other)
	configureUser(other)

	return local, other, cleanup
}

// setupConflictPair makes both clones edit the same line of data.txt;
// the collaborator's edit is pushed, the local one is not
func setupConflictPair(t *testing.T) (local, other string, cleanup func()) {
	t.Helper()

	local, other, cleanup = setupRemotePair(t)
	commitFile(t, other, "data.txt", "theirs\n", "remote edit")
	runGit(t, other, "push", "origin", "master")
	commitFile(t, local, "data.txt", "ours\n", "local edit")
	return local, other, cleanup
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestOpenOrCreateNewDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "ProjectX")

	r, err := OpenOrCreate(path, "master")
	if err != nil {
		t.Fatalf("OpenOrCreate() failed: %v", err)
	}

	if r.Name() != vcs.TypeGit {
		t.Errorf("Name() = %v, want %v", r.Name(), vcs.TypeGit)
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		t.Errorf(".git not created: %v", err)
	}

	if got := readFile(t, filepath.Join(path, ".gitignore")); got != ".DS_Store\n" {
		t.Errorf(".gitignore = %q, want %q", got, ".DS_Store\n")
	}

	tracked, err := r.isTracked(".gitignore")
	if err != nil {
		t.Fatalf("isTracked() failed: %v", err)
	}
	if !tracked {
		t.Error(".gitignore should be staged after init")
	}

	branch, err := r.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch() failed: %v", err)
	}
	if branch != "master" {
		t.Errorf("CurrentBranch() = %q, want %q", branch, "master")
	}

	head, err := r.HeadHash()
	if err != nil {
		t.Fatalf("HeadHash() failed: %v", err)
	}
	if head != "" {
		t.Errorf("HeadHash() = %q on unborn branch, want empty", head)
	}
}

func TestOpenOrCreateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ProjectX")

	first, err := OpenOrCreate(path, "master")
	if err != nil {
		t.Fatalf("first OpenOrCreate() failed: %v", err)
	}
	configureUser(path)

	second, err := OpenOrCreate(path, "master")
	if err != nil {
		t.Fatalf("second OpenOrCreate() failed: %v", err)
	}

	if first.Path() != second.Path() {
		t.Errorf("Path() differs: %q vs %q", first.Path(), second.Path())
	}
	if first.Branch() != second.Branch() {
		t.Errorf("Branch() differs: %q vs %q", first.Branch(), second.Branch())
	}

	// A user-edited .gitignore survives re-opening
	if err := os.WriteFile(filepath.Join(path, ".gitignore"), []byte("*.tmp\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenOrCreate(path, "master"); err != nil {
		t.Fatalf("third OpenOrCreate() failed: %v", err)
	}
	if got := readFile(t, filepath.Join(path, ".gitignore")); got != "*.tmp\n" {
		t.Errorf(".gitignore overwritten: %q", got)
	}
}

func TestOpenOrCreateExistingDirectory(t *testing.T) {
	path := t.TempDir()
	if err := os.WriteFile(filepath.Join(path, "keep.yaml"), []byte("a: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenOrCreate(path, ""); err != nil {
		t.Fatalf("OpenOrCreate() failed: %v", err)
	}

	if got := readFile(t, filepath.Join(path, "keep.yaml")); got != "a: 1\n" {
		t.Errorf("existing file changed: %q", got)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		t.Errorf(".git not created: %v", err)
	}
}

func TestOpenNotInVCS(t *testing.T) {
	_, err := Open(t.TempDir())
	if !errors.Is(err, vcs.ErrNotInVCS) {
		t.Errorf("Open() error = %v, want ErrNotInVCS", err)
	}
}

func TestOpenDoesNotWalkParents(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	sub := filepath.Join(repoPath, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	_, err := Open(sub)
	if !errors.Is(err, vcs.ErrNotInVCS) {
		t.Errorf("Open(subdir) error = %v, want ErrNotInVCS", err)
	}
}

func TestAddCommitImmediately(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()

	file := filepath.Join(repoPath, "A-01.yaml")
	if err := os.WriteFile(file, []byte("identifier: A\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, file, true); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if msg := runGit(t, repoPath, "log", "-1", "--format=%s"); msg != "added A-01.yaml" {
		t.Errorf("commit message = %q, want %q", msg, "added A-01.yaml")
	}

	if err := os.WriteFile(file, []byte("identifier: B\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, "A-01.yaml", true); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if msg := runGit(t, repoPath, "log", "-1", "--format=%s"); msg != "modified A-01.yaml" {
		t.Errorf("commit message = %q, want %q", msg, "modified A-01.yaml")
	}
}

func TestAddOutsideRepository(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	outside := filepath.Join(t.TempDir(), "x.yaml")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(context.Background(), outside, false); err == nil {
		t.Error("Add() outside the repository should fail")
	}
}

func TestCommitNothingStaged(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	commitFile(t, repoPath, "a.txt", "a", "initial")

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	committed, err := r.Commit(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if committed {
		t.Error("Commit() with nothing staged should be a no-op")
	}

	if err := os.WriteFile(filepath.Join(repoPath, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(context.Background(), "b.txt", false); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	committed, err = r.Commit(context.Background(), "2 records imported from test")
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if !committed {
		t.Error("Commit() with staged file should commit")
	}
}

func TestCommitRequiresMessage(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := r.Commit(context.Background(), ""); err == nil {
		t.Error("Commit(\"\") should fail")
	}
}

func TestRemotes(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if r.HasRemote("") {
		t.Error("HasRemote(\"\") = true on a repository without remotes")
	}

	if err := r.SetRemote("origin", "https://example.com/a.git"); err != nil {
		t.Fatalf("SetRemote() failed: %v", err)
	}
	if err := r.SetRemote("origin", "https://example.com/b.git"); err != nil {
		t.Fatalf("SetRemote() update failed: %v", err)
	}

	if !r.HasRemote("origin") {
		t.Error("HasRemote(origin) = false after SetRemote")
	}

	remotes, err := r.Remotes()
	if err != nil {
		t.Fatalf("Remotes() failed: %v", err)
	}
	if len(remotes) != 1 || remotes[0].URL != "https://example.com/b.git" {
		t.Errorf("Remotes() = %+v", remotes)
	}
	if r.Remote().URL != "https://example.com/b.git" {
		t.Errorf("Remote() = %+v", r.Remote())
	}
}

func TestFetchPushNoRemote(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()

	if err := r.Fetch(ctx, "origin"); !errors.Is(err, vcs.ErrNoRemote) {
		t.Errorf("Fetch() error = %v, want ErrNoRemote", err)
	}
	if err := r.Push(ctx, vcs.PushOptions{}); !errors.Is(err, vcs.ErrNoRemote) {
		t.Errorf("Push() error = %v, want ErrNoRemote", err)
	}
}

func TestDivergence(t *testing.T) {
	local, other, cleanup := setupRemotePair(t)
	defer cleanup()

	commitFile(t, local, "l1.txt", "1", "local 1")
	commitFile(t, local, "l2.txt", "2", "local 2")

	commitFile(t, other, "r1.txt", "1", "remote 1")
	commitFile(t, other, "r2.txt", "2", "remote 2")
	commitFile(t, other, "r3.txt", "3", "remote 3")
	runGit(t, other, "push", "origin", "master")

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	state, err := r.Divergence(context.Background(), "origin", "master")
	if err != nil {
		t.Fatalf("Divergence() failed: %v", err)
	}

	want := vcs.DivergenceState{Ahead: 2, Behind: 3}
	if state != want {
		t.Errorf("Divergence() = %v, want %v", state, want)
	}
	if !state.IsDiverged() {
		t.Error("IsDiverged() = false")
	}
}

func TestDivergenceUpToDate(t *testing.T) {
	local, _, cleanup := setupRemotePair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	state, err := r.Divergence(context.Background(), "origin", "master")
	if err != nil {
		t.Fatalf("Divergence() failed: %v", err)
	}
	if state != (vcs.DivergenceState{}) {
		t.Errorf("Divergence() = %v, want up to date", state)
	}
}

func TestFastForward(t *testing.T) {
	local, other, cleanup := setupRemotePair(t)
	defer cleanup()

	commitFile(t, other, "r1.txt", "1", "remote 1")
	runGit(t, other, "push", "origin", "master")

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()

	state, err := r.Divergence(ctx, "origin", "master")
	if err != nil {
		t.Fatalf("Divergence() failed: %v", err)
	}
	if state != (vcs.DivergenceState{Behind: 1}) {
		t.Fatalf("Divergence() = %v, want behind 1", state)
	}

	if err := r.FastForward(ctx, "origin", "master"); err != nil {
		t.Fatalf("FastForward() failed: %v", err)
	}

	head, _ := r.HeadHash()
	tip, err := r.RefHash("origin", "master")
	if err != nil {
		t.Fatalf("RefHash() failed: %v", err)
	}
	if head != tip {
		t.Errorf("HEAD = %s, want remote tip %s", head, tip)
	}
}

func TestFastForwardRefusedWhenDiverged(t *testing.T) {
	local, _, cleanup := setupConflictPair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if err := r.FastForward(ctx, "origin", "master"); !errors.Is(err, vcs.ErrMergeRequired) {
		t.Errorf("FastForward() error = %v, want ErrMergeRequired", err)
	}
}

func TestDetectConflictMarkers(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	commitFile(t, repoPath, "clean.txt", "fine\n", "clean")
	commitFile(t, repoPath, "bad.txt", "<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> abc\n", "markers")

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	set, err := r.DetectConflicts()
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if len(set) != 1 || set[0] != "bad.txt" {
		t.Errorf("DetectConflicts() = %v, want [bad.txt]", set)
	}
}

func TestRebaseConflict(t *testing.T) {
	local, _, cleanup := setupConflictPair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	err = r.Rebase(ctx, "origin", "master")
	if !errors.Is(err, vcs.ErrConflicts) {
		t.Fatalf("Rebase() error = %v, want ErrConflicts", err)
	}

	set, err := r.DetectConflicts()
	if err != nil {
		t.Fatalf("DetectConflicts() failed: %v", err)
	}
	if !set.Contains("data.txt") || len(set) != 1 {
		t.Errorf("DetectConflicts() = %v, want [data.txt]", set)
	}

	if err := r.AbortIntegration(ctx); err != nil {
		t.Fatalf("AbortIntegration() failed: %v", err)
	}
	if r.IsInRebaseOrMerge() {
		t.Error("rebase still in progress after abort")
	}
	if got := readFile(t, filepath.Join(local, "data.txt")); got != "ours\n" {
		t.Errorf("data.txt after abort = %q, want %q", got, "ours\n")
	}
}

func TestRebaseClean(t *testing.T) {
	local, other, cleanup := setupRemotePair(t)
	defer cleanup()

	commitFile(t, local, "l.txt", "l", "local")
	commitFile(t, other, "r.txt", "r", "remote")
	runGit(t, other, "push", "origin", "master")

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if err := r.Rebase(ctx, "origin", "master"); err != nil {
		t.Fatalf("Rebase() failed: %v", err)
	}

	state, err := r.AheadBehind("origin", "master")
	if err != nil {
		t.Fatalf("AheadBehind() failed: %v", err)
	}
	if state != (vcs.DivergenceState{Ahead: 1}) {
		t.Errorf("AheadBehind() after rebase = %v, want ahead 1", state)
	}
}

func TestMergeCheckoutSide(t *testing.T) {
	local, _, cleanup := setupConflictPair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if err := r.MergeNoCommit(ctx, "origin", "master"); !errors.Is(err, vcs.ErrConflicts) {
		t.Fatalf("MergeNoCommit() error = %v, want ErrConflicts", err)
	}

	if err := r.FinishMerge(ctx, "too early"); !errors.Is(err, vcs.ErrConflicts) {
		t.Errorf("FinishMerge() with unmerged paths error = %v, want ErrConflicts", err)
	}

	if err := r.CheckoutSide(ctx, "data.txt", vcs.SideTheirs); err != nil {
		t.Fatalf("CheckoutSide() failed: %v", err)
	}
	if err := r.FinishMerge(ctx, "resolve data.txt"); err != nil {
		t.Fatalf("FinishMerge() failed: %v", err)
	}

	if got := readFile(t, filepath.Join(local, "data.txt")); got != "theirs\n" {
		t.Errorf("data.txt = %q, want %q", got, "theirs\n")
	}
	if r.IsInRebaseOrMerge() {
		t.Error("merge still in progress")
	}

	state, err := r.AheadBehind("origin", "master")
	if err != nil {
		t.Fatalf("AheadBehind() failed: %v", err)
	}
	if state.Behind != 0 {
		t.Errorf("AheadBehind() = %v, want behind 0", state)
	}
}

func TestMergeAcceptRemote(t *testing.T) {
	local, _, cleanup := setupConflictPair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if err := r.MergeAcceptRemote(ctx, "origin", "master"); err != nil {
		t.Fatalf("MergeAcceptRemote() failed: %v", err)
	}
	if got := readFile(t, filepath.Join(local, "data.txt")); got != "theirs\n" {
		t.Errorf("data.txt = %q, want %q", got, "theirs\n")
	}
}

func TestResetToRemote(t *testing.T) {
	local, _, cleanup := setupConflictPair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if err := r.ResetToRemote(ctx, "origin", "master"); err != nil {
		t.Fatalf("ResetToRemote() failed: %v", err)
	}
	state, err := r.AheadBehind("origin", "master")
	if err != nil {
		t.Fatalf("AheadBehind() failed: %v", err)
	}
	if state != (vcs.DivergenceState{}) {
		t.Errorf("AheadBehind() after reset = %v, want up to date", state)
	}
}

func TestStashRoundTrip(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	commitFile(t, repoPath, "tracked.txt", "v1\n", "initial")

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()

	stashed, err := r.Stash(ctx, "clean")
	if err != nil {
		t.Fatalf("Stash() on clean tree failed: %v", err)
	}
	if stashed {
		t.Error("Stash() on clean tree should report false")
	}

	if err := os.WriteFile(filepath.Join(repoPath, "tracked.txt"), []byte("v2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "new.txt"), []byte("untracked\n"), 0644); err != nil {
		t.Fatal(err)
	}

	stashed, err = r.Stash(ctx, "sync")
	if err != nil {
		t.Fatalf("Stash() failed: %v", err)
	}
	if !stashed {
		t.Fatal("Stash() should report true for a dirty tree")
	}

	dirty, err := r.IsDirty()
	if err != nil {
		t.Fatalf("IsDirty() failed: %v", err)
	}
	if dirty {
		t.Error("tree dirty after stash")
	}

	if err := r.StashPop(ctx); err != nil {
		t.Fatalf("StashPop() failed: %v", err)
	}

	if got := readFile(t, filepath.Join(repoPath, "tracked.txt")); got != "v2\n" {
		t.Errorf("tracked.txt = %q, want %q", got, "v2\n")
	}
	if got := readFile(t, filepath.Join(repoPath, "new.txt")); got != "untracked\n" {
		t.Errorf("new.txt = %q, want %q", got, "untracked\n")
	}
}

func TestStashPopEmpty(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	commitFile(t, repoPath, "a.txt", "a", "initial")

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := r.StashPop(context.Background()); !errors.Is(err, vcs.ErrStashRestore) {
		t.Errorf("StashPop() error = %v, want ErrStashRestore", err)
	}
}

func TestMissingMetadataIsCorrupt(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()

	r, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(repoPath, ".git")); err != nil {
		t.Fatal(err)
	}

	_, err = r.Commit(context.Background(), "x")
	if !errors.Is(err, vcs.ErrCorrupt) {
		t.Errorf("Commit() error = %v, want ErrCorrupt", err)
	}
	if !vcs.IsFatal(err) {
		t.Error("IsFatal() = false for missing metadata")
	}
}

func TestInterruptedRebaseDetected(t *testing.T) {
	local, _, cleanup := setupConflictPair(t)
	defer cleanup()

	r, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	_ = r.Rebase(ctx, "origin", "master")

	// A fresh handle, as after a crash, sees the rebase left behind
	reopened, err := Open(local)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !reopened.IsInRebaseOrMerge() {
		t.Error("IsInRebaseOrMerge() = false after interrupted rebase")
	}
}

func TestCanonicalVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"2.39.3 (Apple Git-146)", "v2.39.3"},
		{"2.45.1.windows.1", "v2.45.1"},
		{"2.17.0", "v2.17.0"},
		{"", ""},
		{"garbage", ""},
	}

	for _, tt := range tests {
		if got := canonicalVersion(tt.raw); got != tt.want {
			t.Errorf("canonicalVersion(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
