//go:build unix

package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// lockFileName lives inside .git so it is never committed
const lockFileName = "dvcsync.lock"

// Lock takes an exclusive, non-blocking flock on the repository.
// A second holder gets vcs.ErrLocked.
func (r *Repository) Lock() (func() error, error) {
	if err := r.checkMetadata(); err != nil {
		return nil, err
	}

	path := filepath.Join(r.vcsDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", r.path, vcs.ErrLocked)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", r.path, err)
	}

	return func() error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f.Close()
	}, nil
}
