package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmgrl/dvcsync/internal/logging"
	"github.com/nmgrl/dvcsync/internal/transfer"
)

// fakeExporter records calls and fails run ids that start with "bad"
type fakeExporter struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeExporter) ExportMany(_ context.Context, runIDs []string, repositoryID string, _ bool) ([]transfer.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), runIDs...))
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	out := make([]transfer.Outcome, len(runIDs))
	for i, id := range runIDs {
		out[i] = transfer.Outcome{RunID: id, Repository: repositoryID, Status: transfer.Created}
		if strings.HasPrefix(id, "bad") {
			out[i].Status = transfer.Failed
			out[i].Reason = "malformed record"
		}
	}
	return out, nil
}

func (f *fakeExporter) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type harness struct {
	inbox   string
	exp     *fakeExporter
	mu      sync.Mutex
	batches []Batch
	cancel  context.CancelFunc
	done    chan error
}

func (h *harness) Batches() []Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Batch(nil), h.batches...)
}

// startDaemon runs a daemon on a fresh inbox; files lets a test seed the
// inbox before the daemon starts
func startDaemon(t *testing.T, files map[string]string) *harness {
	t.Helper()

	h := &harness{
		inbox: filepath.Join(t.TempDir(), "inbox"),
		exp:   &fakeExporter{},
		done:  make(chan error, 1),
	}
	require.NoError(t, os.MkdirAll(h.inbox, 0755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(h.inbox, name), []byte(body), 0644))
	}

	d, err := New(h.exp, h.inbox, &Config{
		Debounce:   50 * time.Millisecond,
		Repository: "Irr_1",
		Logger:     logging.Discard(),
		OnBatch: func(b Batch) {
			h.mu.Lock()
			h.batches = append(h.batches, b)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return h
}

func (h *harness) waitBatches(t *testing.T, n int) []Batch {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.Batches()) >= n }, 5*time.Second, 20*time.Millisecond)
	return h.Batches()
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "inbox", nil)
	assert.Error(t, err)

	_, err = New(&fakeExporter{}, "", nil)
	assert.Error(t, err)
}

func TestDaemonExportsExistingRunLists(t *testing.T) {
	h := startDaemon(t, map[string]string{
		"a.txt": "# first\n12345-01\n12345-02\n",
		"b.txt": "bad-id\n",
	})

	batches := h.waitBatches(t, 2)
	assert.Equal(t, "a.txt", batches[0].File)
	assert.Equal(t, transfer.Summary{Created: 2}, batches[0].Summary)
	assert.Equal(t, filepath.Join(h.inbox, ProcessedDir, "a.txt"), batches[0].Archived)

	assert.Equal(t, "b.txt", batches[1].File)
	assert.Equal(t, 1, batches[1].Summary.Failed)
	assert.Equal(t, filepath.Join(h.inbox, FailedDir, "b.txt"), batches[1].Archived)

	assert.Equal(t, [][]string{{"12345-01", "12345-02"}, {"bad-id"}}, h.exp.Calls())
	assert.NoFileExists(t, filepath.Join(h.inbox, "a.txt"))
}

func TestDaemonExportsDroppedRunList(t *testing.T) {
	h := startDaemon(t, nil)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.inbox, ProcessedDir))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	path := filepath.Join(h.inbox, "drop.txt")
	require.NoError(t, os.WriteFile(path, []byte("66573-01\n66573-02\n"), 0644))

	batches := h.waitBatches(t, 1)
	assert.Equal(t, "drop.txt", batches[0].File)
	assert.Equal(t, 2, batches[0].Summary.Created)

	// Create and write events for the same file export once
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, h.exp.Calls(), 1)
}

func TestReadyPathsDebounce(t *testing.T) {
	d, err := New(&fakeExporter{}, t.TempDir(), &Config{Debounce: time.Second, Logger: logging.Discard()})
	require.NoError(t, err)
	defer d.watcher.Stop()

	now := time.Now()
	d.changeQueue["/in/old.txt"] = now.Add(-2 * time.Second)
	d.changeQueue["/in/fresh.txt"] = now.Add(-100 * time.Millisecond)

	assert.Equal(t, []string{"/in/old.txt"}, d.readyPaths(now))
	assert.Empty(t, d.readyPaths(now))
	assert.Equal(t, []string{"/in/fresh.txt"}, d.readyPaths(now.Add(time.Second)))
}

func TestDaemonExportErrorArchivesToFailed(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "x.txt"), []byte("1-01\n"), 0644))

	exp := &fakeExporter{err: errors.New("source unavailable")}
	var got []Batch
	d, err := New(exp, inbox, &Config{
		Logger:  logging.Discard(),
		OnBatch: func(b Batch) { got = append(got, b) },
	})
	require.NoError(t, err)
	defer d.watcher.Stop()
	require.NoError(t, os.MkdirAll(filepath.Join(inbox, FailedDir), 0755))

	require.NoError(t, d.ScanInbox(context.Background()))
	require.Len(t, got, 1)
	assert.ErrorContains(t, got[0].Err, "source unavailable")
	assert.FileExists(t, filepath.Join(inbox, FailedDir, "x.txt"))
}

func TestArchiveNameCollision(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "processed")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "runs.txt"), []byte("old"), 0644))

	src := filepath.Join(dir, "runs.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))

	at := time.Date(2016, 3, 1, 8, 0, 0, 0, time.UTC)
	got, err := archive(src, dest, at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "runs-20160301T080000.000.txt"), got)

	data, err := os.ReadFile(filepath.Join(dest, "runs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}
