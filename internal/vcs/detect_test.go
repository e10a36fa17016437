package vcs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ProjectX")

	det, err := Detect(path)
	require.NoError(t, err)
	assert.False(t, det.Exists)
	assert.False(t, det.HasGit)
	assert.True(t, det.NeedsInit())
}

func TestDetectPlainDirectory(t *testing.T) {
	det, err := Detect(t.TempDir())
	require.NoError(t, err)
	assert.True(t, det.Exists)
	assert.True(t, det.NeedsInit())
}

func TestDetectInterrupted(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0755))

	det, err := Detect(root)
	require.NoError(t, err)
	assert.True(t, det.HasGit)
	assert.Equal(t, gitDir, det.VCSDir)
	assert.Empty(t, det.Interrupted)

	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "MERGE_HEAD"), []byte("abc\n"), 0644))
	det, err = Detect(root)
	require.NoError(t, err)
	assert.Equal(t, "merge", det.Interrupted)

	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "rebase-merge"), 0755))
	det, err = Detect(root)
	require.NoError(t, err)
	assert.Equal(t, "rebase", det.Interrupted)
}

func TestDetectFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := Detect(file)
	assert.Error(t, err)
}

func TestFindRepositories(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"ProjectX", "Irr-1", ".hidden", "plain"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}
	for _, name := range []string{"ProjectX", "Irr-1", ".hidden"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name, ".git"), 0755))
	}

	repos, err := FindRepositories(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"Irr-1", "ProjectX"}, repos)
}
