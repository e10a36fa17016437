// Package watch runs the inbox daemon: run-list files dropped into the
// inbox are exported through the transfer pipeline and then archived.
//
// The daemon:
//  1. Exports run lists already waiting in the inbox
//  2. Watches the inbox for new or rewritten run lists
//  3. Waits for writes to settle (debounce) before exporting
//  4. Moves each file to processed/ or failed/ when done
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/transfer"
)

const (
	// ProcessedDir receives run lists whose records all exported
	ProcessedDir = "processed"

	// FailedDir receives run lists with at least one failed record
	FailedDir = "failed"
)

// Exporter is the part of transfer.Pipeline the daemon drives
type Exporter interface {
	ExportMany(ctx context.Context, runIDs []string, repositoryID string, overwrite bool) ([]transfer.Outcome, error)
}

// Batch reports one processed run-list file
type Batch struct {
	// File is the run list's base name
	File string

	// Archived is where the file was moved to
	Archived string

	Outcomes []transfer.Outcome
	Summary  transfer.Summary
	Duration time.Duration

	// Err is set when the file could not be read or the export aborted
	Err error
}

// Config holds configuration for the daemon.
type Config struct {
	// Debounce is how long a file must stay unchanged before export
	Debounce time.Duration

	// Repository overrides the per-record repository when set
	Repository string

	// Overwrite rewrites artifacts that already exist
	Overwrite bool

	// Logger for daemon activity
	Logger *slog.Logger

	// OnBatch is called after each file is archived
	OnBatch func(Batch)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 2 * time.Second,
		Logger:   slog.Default(),
	}
}

// Daemon exports run lists as they arrive in the inbox
type Daemon struct {
	exporter Exporter
	inbox    string
	config   *Config

	watcher *FileWatcher

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	// exportMu keeps one export running at a time
	exportMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a daemon for inbox. The directory is created by Start.
func New(exporter Exporter, inbox string, config *Config) (*Daemon, error) {
	if exporter == nil {
		return nil, fmt.Errorf("exporter cannot be nil")
	}
	if inbox == "" {
		return nil, fmt.Errorf("inbox cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}

	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox: %w", err)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	return &Daemon{
		exporter:    exporter,
		inbox:       abs,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Inbox returns the watched directory
func (d *Daemon) Inbox() string {
	return d.inbox
}

// Start exports waiting run lists, then watches the inbox until ctx is
// cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	for _, dir := range []string{d.inbox, filepath.Join(d.inbox, ProcessedDir), filepath.Join(d.inbox, FailedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// Watch before scanning so a file dropped in between is not missed;
	// a file seen by both is exported once since the scan archives it.
	if err := d.watcher.Start(d.inbox); err != nil {
		return err
	}

	d.config.Logger.Info("watching inbox", "path", d.inbox, "debounce", d.config.Debounce)

	if err := d.ScanInbox(ctx); err != nil {
		_ = d.watcher.Stop()
		return fmt.Errorf("initial scan failed: %w", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents(ctx)
	go d.processChangeQueue(ctx)

	<-ctx.Done()
	d.config.Logger.Info("stopping inbox watcher")
	return d.stop()
}

func (d *Daemon) stop() error {
	err := d.watcher.Stop()
	d.wg.Wait()
	return err
}

// ScanInbox exports every run list currently in the inbox, oldest name
// first.
func (d *Daemon) ScanInbox(ctx context.Context) error {
	entries, err := os.ReadDir(d.inbox)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsRunList(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.process(ctx, filepath.Join(d.inbox, name))
	}
	return nil
}

// watchFileEvents queues run-list changes
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	events := d.watcher.Events()
	errs := d.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			d.config.Logger.Debug("inbox event", "op", ev.Op, "path", ev.Path)
			if ev.Op == OpDelete {
				d.dequeue(ev.Path)
			} else {
				d.queueChange(ev.Path)
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

func (d *Daemon) dequeue(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	delete(d.changeQueue, path)
}

// processChangeQueue exports files once they have been quiet for the
// debounce interval
func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	tick := d.config.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			for _, path := range d.readyPaths(time.Now()) {
				if ctx.Err() != nil {
					return
				}
				d.process(ctx, path)
			}
		}
	}
}

// readyPaths removes and returns the queued paths whose last event is
// older than the debounce interval
func (d *Daemon) readyPaths(now time.Time) []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.Debounce {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	sort.Strings(ready)
	return ready
}

// process exports one run list and archives it
func (d *Daemon) process(ctx context.Context, path string) {
	d.exportMu.Lock()
	defer d.exportMu.Unlock()

	// Already archived by the initial scan or an earlier event
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	start := time.Now()
	batch := Batch{File: filepath.Base(path)}
	logger := d.config.Logger.With("file", batch.File)

	ids, err := record.LoadRunList(path)
	if err == nil && len(ids) > 0 {
		logger.Info("exporting run list", "records", len(ids))
		batch.Outcomes, err = d.exporter.ExportMany(ctx, ids, d.config.Repository, d.config.Overwrite)
	}
	batch.Err = err
	batch.Summary = transfer.Summarize(batch.Outcomes)
	batch.Duration = time.Since(start)

	// A cancelled export leaves the file for the next run
	if ctx.Err() != nil {
		logger.Warn("export interrupted, leaving run list in inbox")
		return
	}

	dest := ProcessedDir
	if batch.Err != nil || batch.Summary.Failed > 0 {
		dest = FailedDir
	}
	archived, merr := archive(path, filepath.Join(d.inbox, dest), start)
	if merr != nil {
		logger.Warn("failed to archive run list", "error", merr)
	}
	batch.Archived = archived

	if batch.Err != nil {
		logger.Warn("run list failed", "error", batch.Err)
	} else {
		logger.Info("run list done", "summary", batch.Summary.String(), "duration", batch.Duration)
	}

	if d.config.OnBatch != nil {
		d.config.OnBatch(batch)
	}
}

// archive moves path into dir, adding a timestamp when the name is taken
func archive(path, dir string, at time.Time) (string, error) {
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(path)
		stem := filepath.Base(path)
		stem = stem[:len(stem)-len(ext)]
		dest = filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, at.Format("20060102T150405.000"), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}
