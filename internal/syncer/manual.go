package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/nmgrl/dvcsync/internal/vcs"
)

func init() {
	Register("manual", func() Resolver { return NewManualResolver(os.Stdin, os.Stderr) })
}

// ManualResolver asks the operator to settle each conflicted path and
// blocks until every path has an acceptable answer.
type ManualResolver struct {
	in         io.Reader
	out        io.Writer
	accessible bool

	// ask prompts for one path; replaced in tests
	ask func(ctx context.Context, repo, path string) (Resolution, error)
}

// NewManualResolver creates a resolver that prompts on in/out
func NewManualResolver(in io.Reader, out io.Writer) *ManualResolver {
	m := &ManualResolver{in: in, out: out}
	m.ask = m.prompt
	return m
}

// Accessible switches the prompts to plain line-based input, for
// terminals that cannot render the interactive form.
func (m *ManualResolver) Accessible(on bool) *ManualResolver {
	m.accessible = on
	return m
}

// Resolve prompts for every path. A path answered as edited is checked
// for leftover markers and asked again if any remain.
func (m *ManualResolver) Resolve(ctx context.Context, repo string, conflicts vcs.ConflictSet) (map[string]Resolution, error) {
	decisions := make(map[string]Resolution, len(conflicts))

	for _, path := range conflicts {
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			choice, err := m.ask(ctx, repo, path)
			if err != nil {
				return nil, err
			}

			if choice == ResolutionEdited {
				marked, err := vcs.ScanConflictMarkers(repo, []string{path})
				if err != nil {
					return nil, err
				}
				if !marked.Empty() {
					fmt.Fprintf(m.out, "%s still contains conflict markers\n", path)
					continue
				}
			}

			decisions[path] = choice
			break
		}
	}

	return decisions, nil
}

// prompt shows a select form for one path
func (m *ManualResolver) prompt(ctx context.Context, repo, path string) (Resolution, error) {
	choice := ResolutionTheirs

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[Resolution]().
				Title(fmt.Sprintf("Conflict in %s", path)).
				Description(repo).
				Options(
					huh.NewOption("Keep local version (ours)", ResolutionOurs),
					huh.NewOption("Take remote version (theirs)", ResolutionTheirs),
					huh.NewOption("I edited the file by hand", ResolutionEdited),
				).
				Value(&choice),
		),
	).
		WithInput(m.in).
		WithOutput(m.out).
		WithAccessible(m.accessible)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return 0, fmt.Errorf("resolution of %s cancelled: %w", path, vcs.ErrConflicts)
		}
		return 0, fmt.Errorf("form error: %w", err)
	}
	return choice, nil
}
