package syncer

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmgrl/dvcsync/internal/vcs/git"
)

// runGit runs a git command in dir and fails the test on error
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func configureUser(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "commit.gpgsign", "false")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	writeFile(t, dir, name, content)
	runGit(t, dir, "add", "--", name)
	runGit(t, dir, "commit", "--no-verify", "-m", message)
}

// repoPair is a bare remote with the clone under test (local) and a
// collaborator clone (other) that pushes competing history
type repoPair struct {
	remote string
	local  string
	other  string
}

func newRepoPair(t *testing.T) *repoPair {
	t.Helper()

	root := t.TempDir()
	p := &repoPair{
		remote: filepath.Join(root, "remote.git"),
		local:  filepath.Join(root, "local"),
		other:  filepath.Join(root, "other"),
	}

	runGit(t, root, "init", "--bare", p.remote)
	runGit(t, p.remote, "symbolic-ref", "HEAD", "refs/heads/master")

	_, err := git.OpenOrCreate(p.local, "master")
	require.NoError(t, err)
	configureUser(t, p.local)
	commitFile(t, p.local, "data.txt", "base\n", "initial")
	runGit(t, p.local, "remote", "add", "origin", p.remote)
	runGit(t, p.local, "push", "origin", "master")

	runGit(t, root, "clone", "-b", "master", p.remote, p.other)
	configureUser(t, p.other)

	return p
}

// pushOther commits in the collaborator clone and pushes
func (p *repoPair) pushOther(t *testing.T, name, content string) {
	t.Helper()
	commitFile(t, p.other, name, content, "remote "+name)
	runGit(t, p.other, "push", "origin", "master")
}

// open returns a fresh handle on the local clone
func (p *repoPair) open(t *testing.T) *git.Repository {
	t.Helper()
	r, err := git.Open(p.local)
	require.NoError(t, err)
	return r
}

func (p *repoPair) head(t *testing.T, dir string) string {
	t.Helper()
	return runGit(t, dir, "rev-parse", "HEAD")
}

// runGitAllowFail runs a git command whose failure is expected
func runGitAllowFail(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.Run()
}
