package git

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// minRebaseMergesVersion is the first git release with --rebase-merges
const minRebaseMergesVersion = "v2.18.0"

var (
	versionOnce sync.Once
	versionSem  string
	versionErr  error
)

// canonicalVersion turns "2.39.3 (Apple Git-146)" or "2.45.1.windows.1"
// into a semver string like "v2.39.3".
func canonicalVersion(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}

	parts := strings.Split(fields[0], ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return semver.Canonical("v" + strings.Join(parts, "."))
}

// binaryVersion returns the cached semver of the git binary
func binaryVersion() (string, error) {
	versionOnce.Do(func() {
		raw, err := Version()
		if err != nil {
			versionErr = fmt.Errorf("%w: %w", vcs.ErrVCSNotAvailable, err)
			return
		}
		versionSem = canonicalVersion(raw)
		if versionSem == "" {
			versionErr = fmt.Errorf("unrecognized git version %q", raw)
		}
	})
	return versionSem, versionErr
}

// RequireVersion returns vcs.ErrVCSTooOld if the git binary is older than min
func RequireVersion(min string) error {
	have, err := binaryVersion()
	if err != nil {
		return err
	}
	if semver.Compare(have, min) < 0 {
		return fmt.Errorf("git %s < %s: %w", have, min, vcs.ErrVCSTooOld)
	}
	return nil
}

// rebaseMergesFlag picks the history-preserving rebase flag the binary
// understands
func rebaseMergesFlag() string {
	if RequireVersion(minRebaseMergesVersion) == nil {
		return "--rebase-merges"
	}
	return "--preserve-merges"
}
