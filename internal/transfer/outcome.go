package transfer

import (
	"errors"
	"fmt"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/record"
)

var (
	// ErrMalformedRecord marks a run id or source row that cannot be
	// turned into a valid record
	ErrMalformedRecord = record.ErrMalformed

	// ErrReferential marks a record whose catalog ancestors conflict with
	// existing rows
	ErrReferential = catalog.ErrReferential

	// ErrNotSynced marks a record whose repository could not be brought
	// level with its remote before writing
	ErrNotSynced = errors.New("repository not in sync with its remote")
)

// Status is the result kind of one record
type Status int

const (
	Created Status = iota + 1
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome reports what happened to one run id
type Outcome struct {
	// RunID is the id as given by the caller
	RunID      string `json:"run_id"`
	Repository string `json:"repository,omitempty"`
	Status     Status `json:"-"`
	Reason     string `json:"reason,omitempty"`
	Path       string `json:"path,omitempty"`

	// Err is the underlying failure, for errors.Is checks
	Err error `json:"-"`
}

// State returns the status name, used when outcomes are serialized
func (o Outcome) State() string {
	return o.Status.String()
}

func (o Outcome) String() string {
	if o.Status == Failed {
		return fmt.Sprintf("%s: %s (%s)", o.RunID, o.Status, o.Reason)
	}
	return fmt.Sprintf("%s: %s", o.RunID, o.Status)
}

func created(id, repo, path string) Outcome {
	return Outcome{RunID: id, Repository: repo, Status: Created, Path: path}
}

func skipped(id, repo, path string) Outcome {
	return Outcome{RunID: id, Repository: repo, Status: Skipped, Path: path}
}

func failed(id, repo string, err error) Outcome {
	return Outcome{RunID: id, Repository: repo, Status: Failed, Reason: err.Error(), Err: err}
}

// Summary counts outcomes by status
type Summary struct {
	Created int
	Skipped int
	Failed  int
}

// Summarize counts outcomes by status
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Status {
		case Created:
			s.Created++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d created, %d skipped, %d failed", s.Created, s.Skipped, s.Failed)
}
