// Package metarepo maintains the shared metadata repository that sits
// beside the per-entity repositories. It holds one JSON file per
// irradiation level listing its positions and flux values, and one
// geometry file per irradiation holder.
package metarepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/vcs"
	"github.com/nmgrl/dvcsync/internal/vcs/git"
)

// DefaultName is the directory name of the metadata repository
const DefaultName = "MetaData"

// HoldersDir holds the holder geometry files
const HoldersDir = "irradiation_holders"

// lockWait bounds how long a write waits for a sync holding the repository
const lockWait = 30 * time.Second

// LevelEntry is one position in a level file
type LevelEntry struct {
	Position       int                `json:"position"`
	Identifier     string             `json:"identifier,omitempty"`
	J              float64            `json:"j"`
	JErr           float64            `json:"j_err"`
	DecayConstants map[string]float64 `json:"decay_constants"`
}

// Repo is the metadata repository
type Repo struct {
	repo *git.Repository

	// mu serializes writes; transfer workers for different entity
	// repositories share one metadata repository
	mu       sync.Mutex
	pending  []string
	lockWait time.Duration
}

// Open opens or initializes the metadata repository at root/name
func Open(root, name, branch string) (*Repo, error) {
	if name == "" {
		name = DefaultName
	}
	repo, err := git.OpenOrCreate(filepath.Join(root, name), branch)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata repository: %w", err)
	}
	return &Repo{repo: repo, lockWait: lockWait}, nil
}

// Path returns the working directory
func (m *Repo) Path() string {
	return m.repo.Path()
}

// Repository exposes the underlying handle for sync and push
func (m *Repo) Repository() *git.Repository {
	return m.repo
}

// LevelPath returns the file path for irradiation/level
func (m *Repo) LevelPath(irradiation, level string) string {
	return filepath.Join(m.repo.Path(), irradiation, level+".json")
}

// HolderPath returns the file path for a holder geometry
func (m *Repo) HolderPath(holder string) string {
	return filepath.Join(m.repo.Path(), HoldersDir, holder+".txt")
}

// WriteHolder writes the geometry for holder unless a file already
// exists. Returns true when a file was written.
func (m *Repo) WriteHolder(ctx context.Context, holder, geometry string) (bool, error) {
	if holder == "" || geometry == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.lock(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	path := m.HolderPath(holder)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat holder %s: %w", holder, err)
	}

	if err := writeFile(path, []byte(geometry)); err != nil {
		return false, err
	}
	return true, m.stage(ctx, path)
}

// SyncLevel rewrites the level file from the catalog rows when its content
// changed. Returns true when the file was written.
func (m *Repo) SyncLevel(ctx context.Context, irradiation, level string, rows []catalog.PositionRow) (bool, error) {
	entries := make([]LevelEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, LevelEntry{
			Position:       r.Position,
			Identifier:     r.Identifier,
			J:              r.J,
			JErr:           r.JErr,
			DecayConstants: map[string]float64{},
		})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal level %s%s: %w", irradiation, level, err)
	}
	data = append(data, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.lock(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	path := m.LevelPath(irradiation, level)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return false, nil
	}

	if err := writeFile(path, data); err != nil {
		return false, err
	}
	return true, m.stage(ctx, path)
}

// ReadLevel reads the entries of a level file
func (m *Repo) ReadLevel(irradiation, level string) ([]LevelEntry, error) {
	data, err := os.ReadFile(m.LevelPath(irradiation, level))
	if err != nil {
		return nil, fmt.Errorf("failed to read level %s%s: %w", irradiation, level, err)
	}
	var entries []LevelEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse level %s%s: %w", irradiation, level, err)
	}
	return entries, nil
}

// lock takes the repository file lock so writes never interleave with a
// sync rebasing the same working tree. A held lock is retried until
// lockWait runs out.
func (m *Repo) lock(ctx context.Context) (func() error, error) {
	var release func() error

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.lockWait
	err := backoff.Retry(func() error {
		r, err := m.repo.Lock()
		if err != nil {
			if errors.Is(err, vcs.ErrLocked) {
				return err
			}
			return backoff.Permanent(err)
		}
		release = r
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("metadata repository: %w", err)
	}
	return release, nil
}

// stage adds path to the index; callers hold mu and the file lock
func (m *Repo) stage(ctx context.Context, path string) error {
	if err := m.repo.Add(ctx, path, false); err != nil {
		return err
	}
	m.pending = append(m.pending, path)
	return nil
}

// Commit commits everything staged since the last commit. Nothing staged
// is a no-op.
func (m *Repo) Commit(ctx context.Context, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return false, nil
	}
	if message == "" {
		message = fmt.Sprintf("updated %d metadata files", len(m.pending))
	}

	release, err := m.lock(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	committed, err := m.repo.Commit(ctx, message)
	if err != nil {
		return false, err
	}
	m.pending = m.pending[:0]
	return committed, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// GridRadius is the hole radius of the default Grid holder
const GridRadius = 0.0175

// GridGeometry returns the 5x5 Grid holder used for analyses that were
// never irradiated: a "circle,<radius>" header then one "x,y" hole per
// line, row by row.
func GridGeometry() string {
	var b strings.Builder
	fmt.Fprintf(&b, "circle,%g\n", GridRadius)
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			fmt.Fprintf(&b, "%d,%d\n", x, y)
		}
	}
	return b.String()
}
