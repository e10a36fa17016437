package syncer

import (
	"time"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

// State is the position of a repository in the sync protocol
type State int

const (
	// UpToDate means local and remote point at the same history
	UpToDate State = iota

	// AheadOnly means local has commits the remote lacks and nothing to integrate
	AheadOnly

	// BehindOnly means the remote has commits local lacks; fast-forward applies
	BehindOnly

	// Diverged means both sides have unique commits
	Diverged

	// ConflictPending means integration stopped on conflicting paths
	ConflictPending

	// Resolved means a diverged or conflicted repository was integrated
	Resolved
)

var stateNames = map[State]string{
	UpToDate:        "up-to-date",
	AheadOnly:       "ahead",
	BehindOnly:      "behind",
	Diverged:        "diverged",
	ConflictPending: "conflict",
	Resolved:        "resolved",
}

// String returns the short state name used in logs and the status table
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Classify maps a divergence count onto the four pre-integration states
func Classify(d vcs.DivergenceState) State {
	switch {
	case d.Ahead == 0 && d.Behind == 0:
		return UpToDate
	case d.Ahead == 0:
		return BehindOnly
	case d.Behind == 0:
		return AheadOnly
	default:
		return Diverged
	}
}

// Recovery names the fallback used when rebase failed without conflicts
type Recovery string

const (
	// RecoveryNone means no fallback ran
	RecoveryNone Recovery = ""

	// RecoveryAcceptRemote merged the remote preferring its content
	RecoveryAcceptRemote Recovery = "accept-remote"

	// RecoveryReset discarded local history (requires WithAllowDestructive)
	RecoveryReset Recovery = "reset"
)

// Result reports what one SmartSync call did
type Result struct {
	// Repository is the working directory path
	Repository string

	// Initial is the state classified right after fetching
	Initial State

	// State is the terminal state
	State State

	// Divergence is the ahead/behind count measured after fetching
	Divergence vcs.DivergenceState

	// Conflicts holds the paths that blocked integration, if any
	Conflicts vcs.ConflictSet

	// Stashed is true when uncommitted changes were snapshotted and restored
	Stashed bool

	// Recovery names the fallback that ran, if any
	Recovery Recovery

	// Duration is the wall time of the call
	Duration time.Duration
}

// PushResult reports one Push call
type PushResult struct {
	// Repository is the working directory path
	Repository string

	// Pushed is true when commits were sent to the remote
	Pushed bool

	// Reason explains why nothing was pushed
	Reason string
}

// Status is the read-only snapshot shown by the status table
type Status struct {
	// Repository is the working directory path
	Repository string

	// Branch is the checked out branch
	Branch string

	// Remote is the remote compared against, empty if none
	Remote string

	// Divergence is the ahead/behind count
	Divergence vcs.DivergenceState

	// Dirty is true when the working tree has uncommitted changes
	Dirty bool

	// Interrupted is true when a rebase or merge was left in progress
	Interrupted bool

	// Conflicts lists paths holding conflict markers
	Conflicts vcs.ConflictSet
}

// State classifies the snapshot the way SmartSync would
func (s *Status) State() State {
	if s.Interrupted || !s.Conflicts.Empty() {
		return ConflictPending
	}
	return Classify(s.Divergence)
}
