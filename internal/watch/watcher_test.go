package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewFileWatcher verifies that creating a new FileWatcher succeeds.
func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

// TestFileWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestFileWatcher_StartStop(t *testing.T) {
	inbox := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}

	if err := fw.Start(inbox); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := fw.Start(inbox); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}

	// Stop is idempotent
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

// TestFileWatcher_MissingInbox verifies Start fails for a missing directory.
func TestFileWatcher_MissingInbox(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() should fail for a missing inbox")
	}
}

// TestFileWatcher_Events verifies run lists produce events and other files do not.
func TestFileWatcher_Events(t *testing.T) {
	inbox := t.TempDir()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(inbox); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Ignored: wrong extension, hidden file
	if err := os.WriteFile(filepath.Join(inbox, "notes.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inbox, ".runs.txt.swp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(inbox, "runs.txt")
	if err := os.WriteFile(path, []byte("12345-01\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-fw.Events():
		if filepath.Base(ev.Path) != "runs.txt" {
			t.Errorf("event for %s, want runs.txt", ev.Path)
		}
		if ev.Op != OpCreate && ev.Op != OpModify {
			t.Errorf("op = %s, want create or modify", ev.Op)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run list event")
	}
}

func TestIsRunList(t *testing.T) {
	tests := map[string]bool{
		"march.txt":         true,
		"/in/box/a.runlist": true,
		"a.yaml":            false,
		".hidden.txt":       false,
		"noext":             false,
	}
	for name, want := range tests {
		if got := IsRunList(name); got != want {
			t.Errorf("IsRunList(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestEventOpString(t *testing.T) {
	if OpCreate.String() != "create" || OpModify.String() != "modify" || OpDelete.String() != "delete" {
		t.Error("unexpected EventOp names")
	}
	if EventOp(9).String() != "unknown" {
		t.Error("out of range EventOp should be unknown")
	}
}
