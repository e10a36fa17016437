package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/metarepo"
	"github.com/nmgrl/dvcsync/internal/record"
	"github.com/nmgrl/dvcsync/internal/source"
	"github.com/nmgrl/dvcsync/internal/syncer"
	"github.com/nmgrl/dvcsync/internal/telemetry"
	"github.com/nmgrl/dvcsync/internal/vcs"
	"github.com/nmgrl/dvcsync/internal/vcs/git"
)

const scopeName = "github.com/nmgrl/dvcsync/transfer"

// lockWait bounds how long a worker waits for a repository held by a
// concurrent sync
const lockWait = 30 * time.Second

// Source is where analyses are read from
type Source interface {
	GetAnalysis(ctx context.Context, key record.RunID) (*source.AnalysisView, error)
	AnalysesInRange(ctx context.Context, low, high time.Time, spectrometers []string) ([]record.RunID, error)
	URL() string
}

// Pipeline exports analyses into repositories and the catalog
type Pipeline struct {
	src     Source
	cat     *catalog.DB
	meta    *metarepo.Repo
	root    string
	branch  string
	workers int

	remoteName     string
	remoteTemplate string
	remoteURL      *template.Template

	logger   *slog.Logger
	inst     *telemetry.Instruments
	records  *telemetry.Instruments
	observer func(Outcome)

	syncer *syncer.Engine
	push   bool

	mu    sync.Mutex
	repos map[string]*entityRepo
}

// entityRepo serializes work on one repository
type entityRepo struct {
	mu   sync.Mutex
	name string
	repo *git.Repository
}

// job is one run id on its way through the pipeline
type job struct {
	index int
	raw   string
	key   record.RunID
	view  *source.AnalysisView
	repo  string
}

// New creates a Pipeline writing repositories under root.
//
// Example:
//
//	p, err := transfer.New(store, cat, "/data/repos",
//	    transfer.WithRemote("origin", "git@github.com:NMGRLData/{{.Name}}.git"),
//	    transfer.WithMetaRepo(meta),
//	)
//	outcomes, err := p.ExportMany(ctx, ids, "", false)
func New(src Source, cat *catalog.DB, root string, opts ...Option) (*Pipeline, error) {
	if src == nil || cat == nil {
		return nil, errors.New("transfer: source and catalog are required")
	}
	if root == "" {
		return nil, errors.New("transfer: repository root is required")
	}

	p := &Pipeline{
		src:        src,
		cat:        cat,
		root:       root,
		branch:     vcs.DefaultBranch,
		workers:    DefaultWorkers,
		remoteName: vcs.DefaultRemote,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
		inst:       telemetry.NewInstruments(scopeName, "dvcsync.transfer"),
		records:    telemetry.NewInstruments(scopeName, "dvcsync.transfer.record"),
		repos:      make(map[string]*entityRepo),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.remoteTemplate != "" {
		tmpl, err := template.New("remote").Option("missingkey=error").Parse(p.remoteTemplate)
		if err != nil {
			return nil, fmt.Errorf("transfer: invalid remote url template: %w", err)
		}
		p.remoteURL = tmpl
	}

	return p, nil
}

// ExportOne exports a single run id and commits it. The error is non-nil
// only for failures that stop the whole batch, such as repository
// corruption; per-record failures are reported in the Outcome.
func (p *Pipeline) ExportOne(ctx context.Context, runID, repositoryID string, overwrite bool) (Outcome, error) {
	outcomes, err := p.ExportMany(ctx, []string{runID}, repositoryID, overwrite)
	return outcomes[0], err
}

// ExportRange exports every analysis measured between low and high on
// the given spectrometers (all when empty)
func (p *Pipeline) ExportRange(ctx context.Context, low, high time.Time, spectrometers []string, repositoryID string, overwrite bool) ([]Outcome, error) {
	keys, err := p.src.AnalysesInRange(ctx, low, high, spectrometers)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.String()
	}
	return p.ExportMany(ctx, ids, repositoryID, overwrite)
}

// ExportMany exports run ids and returns one Outcome per id, in input
// order. Ids are grouped by identifier; each group is committed once to
// its repository. repositoryID overrides the repository derived from
// each record's project.
func (p *Pipeline) ExportMany(ctx context.Context, runIDs []string, repositoryID string, overwrite bool) (outcomes []Outcome, err error) {
	ctx, span, start := p.inst.Start(ctx, "ExportMany", attribute.Int("records", len(runIDs)))
	outcomes = make([]Outcome, len(runIDs))
	defer func() {
		s := Summarize(outcomes)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		span.SetAttributes(
			attribute.Int("created", s.Created),
			attribute.Int("skipped", s.Skipped),
			attribute.Int("failed", s.Failed),
		)
		p.inst.Done(ctx, span, start, outcome, err)
	}()

	jobs := p.loadAll(ctx, runIDs, repositoryID, outcomes)

	// Level files must not be written onto stale metadata
	if p.meta != nil {
		if serr := p.sync(ctx, p.meta.Repository()); serr != nil {
			for _, j := range jobs {
				if j != nil {
					p.set(ctx, outcomes, j.index, failed(j.raw, j.repo, fmt.Errorf("metadata: %w", serr)))
				}
			}
			return outcomes, nil
		}
	}

	byRepo, order := groupJobs(jobs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, name := range order {
		groups := byRepo[name]
		g.Go(func() error {
			return p.exportRepository(gctx, name, groups, overwrite, outcomes)
		})
	}
	err = g.Wait()

	// Anything left unset never ran because the batch was cut short
	for i := range outcomes {
		if outcomes[i].Status == 0 {
			cause := err
			if cause == nil {
				cause = ctx.Err()
			}
			if cause == nil {
				cause = errors.New("not processed")
			}
			p.set(ctx, outcomes, i, failed(runIDs[i], "", cause))
		}
	}

	if p.meta != nil {
		if n := Summarize(outcomes).Created; n > 0 {
			msg := fmt.Sprintf("%d records imported from %s", n, vcs.RedactURL(p.src.URL()))
			if _, cerr := p.meta.Commit(ctx, msg); cerr != nil {
				p.logger.Error("failed to commit metadata repository", "error", cerr)
				err = errors.Join(err, cerr)
			} else {
				p.pushRepository(ctx, p.meta.Repository())
			}
		}
	}

	return outcomes, err
}

// sync runs SmartSync on repo when a syncer is configured and repo has
// its remote. A held repository lock is waited out like a write. The
// returned error wraps ErrNotSynced.
func (p *Pipeline) sync(ctx context.Context, repo *git.Repository) error {
	if p.syncer == nil || !repo.HasRemote(p.syncer.Remote()) {
		return nil
	}

	var res *syncer.Result
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = lockWait
	err := backoff.Retry(func() error {
		r, err := p.syncer.SmartSync(ctx, repo)
		res = r
		if err != nil && !errors.Is(err, vcs.ErrLocked) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", filepath.Base(repo.Path()), ErrNotSynced, err)
	}
	if res.State == syncer.ConflictPending {
		return fmt.Errorf("%s has conflicts in %s: %w",
			filepath.Base(repo.Path()), strings.Join(res.Conflicts, ", "), ErrNotSynced)
	}
	return nil
}

// pushRepository sends committed records to the remote when pushing is
// enabled. Failures leave the commits local for the next sync.
func (p *Pipeline) pushRepository(ctx context.Context, repo *git.Repository) {
	if !p.push || p.syncer == nil {
		return
	}
	if _, err := p.syncer.Push(ctx, repo); err != nil {
		p.logger.Warn("push failed, commits stay local", "repository", filepath.Base(repo.Path()), "error", err)
	}
}

// loadAll parses run ids and fetches their views concurrently. Ids that
// fail get their outcome set and no job.
func (p *Pipeline) loadAll(ctx context.Context, runIDs []string, repositoryID string, outcomes []Outcome) []*job {
	jobs := make([]*job, len(runIDs))

	var g errgroup.Group
	g.SetLimit(p.workers * 2)
	for i, raw := range runIDs {
		g.Go(func() error {
			j, err := p.load(ctx, i, raw, repositoryID)
			if err != nil {
				p.set(ctx, outcomes, i, failed(raw, repositoryID, err))
				return nil
			}
			jobs[i] = j
			return nil
		})
	}
	_ = g.Wait()

	return jobs
}

func (p *Pipeline) load(ctx context.Context, index int, raw, repositoryID string) (*job, error) {
	key, err := record.ParseRunID(raw)
	if err != nil {
		return nil, err
	}

	view, err := p.src.GetAnalysis(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if view.UUID == "" {
		return nil, fmt.Errorf("%s has no uuid: %w", key, ErrMalformedRecord)
	}

	repo := repositoryID
	if repo == "" {
		repo = record.RepositoryName(view.Project)
	}
	if err := validateRepositoryName(repo); err != nil {
		return nil, err
	}

	return &job{index: index, raw: raw, key: key, view: view, repo: repo}, nil
}

func validateRepositoryName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("no repository for record: %w", ErrMalformedRecord)
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`):
		return fmt.Errorf("invalid repository name %q: %w", name, ErrMalformedRecord)
	}
	return nil
}

// group is the run ids of one identifier
type group struct {
	identifier string
	jobs       []*job
}

// groupJobs buckets jobs by repository, then by identifier, keeping the
// order in which each first appeared
func groupJobs(jobs []*job) (map[string][]*group, []string) {
	byRepo := make(map[string][]*group)
	index := make(map[string]*group)
	var order []string

	for _, j := range jobs {
		if j == nil {
			continue
		}
		if _, ok := byRepo[j.repo]; !ok {
			order = append(order, j.repo)
		}
		key := j.repo + "\x00" + j.key.Identifier
		g, ok := index[key]
		if !ok {
			g = &group{identifier: j.key.Identifier}
			index[key] = g
			byRepo[j.repo] = append(byRepo[j.repo], g)
		}
		g.jobs = append(g.jobs, j)
	}
	return byRepo, order
}

// exportRepository runs every group for one repository in order. Only
// fatal errors are returned.
func (p *Pipeline) exportRepository(ctx context.Context, name string, groups []*group, overwrite bool, outcomes []Outcome) error {
	failAll := func(err error) {
		for _, g := range groups {
			for _, j := range g.jobs {
				if outcomes[j.index].Status == 0 {
					p.set(ctx, outcomes, j.index, failed(j.raw, name, err))
				}
			}
		}
	}

	er, err := p.repository(name)
	if err != nil {
		failAll(err)
		return nil
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	// SmartSync takes the file lock itself, so it runs before ours
	if err := p.sync(ctx, er.repo); err != nil {
		failAll(err)
		return nil
	}

	release, err := p.lock(ctx, er)
	if err != nil {
		failAll(err)
		return nil
	}
	defer release()

	for _, g := range groups {
		if err := p.exportGroup(ctx, er, g, overwrite, outcomes); err != nil {
			failAll(err)
			return err
		}
	}

	for _, g := range groups {
		for _, j := range g.jobs {
			if outcomes[j.index].Status == Created {
				p.pushRepository(ctx, er.repo)
				return nil
			}
		}
	}
	return nil
}

// exportGroup exports one identifier's run ids and commits them together
func (p *Pipeline) exportGroup(ctx context.Context, er *entityRepo, g *group, overwrite bool, outcomes []Outcome) error {
	levels := make(map[levelRef]bool)
	var done []int

	for _, j := range g.jobs {
		var (
			o   Outcome
			lvl levelRef
		)
		err := ctx.Err()
		if err == nil {
			o, lvl, err = p.exportRecord(ctx, er, j, overwrite)
		}
		if err != nil {
			for _, k := range g.jobs {
				if outcomes[k.index].Status != 0 {
					p.report(ctx, outcomes[k.index])
				}
			}
			return err
		}
		if o.Status == Created {
			done = append(done, j.index)
			levels[lvl] = true
		}
		outcomes[j.index] = o
	}

	if len(done) > 0 {
		msg := fmt.Sprintf("%d records imported from %s", len(done), vcs.RedactURL(p.src.URL()))
		if _, err := er.repo.Commit(ctx, msg); err != nil {
			if vcs.IsFatal(err) {
				return err
			}
			// Files stay staged and go out with the next commit
			for _, i := range done {
				outcomes[i] = failed(outcomes[i].RunID, er.name, fmt.Errorf("commit failed: %w", err))
			}
		}
	}

	for _, j := range g.jobs {
		p.report(ctx, outcomes[j.index])
	}

	if p.meta != nil {
		for lvl := range levels {
			if err := p.syncLevel(ctx, lvl); err != nil {
				p.logger.Warn("failed to update level file", "irradiation", lvl.irradiation, "level", lvl.level, "error", err)
			}
		}
	}
	return nil
}

// repository returns the cached handle for name, creating the repository
// and its remote on first use
func (p *Pipeline) repository(name string) (*entityRepo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if er, ok := p.repos[name]; ok {
		return er, nil
	}

	repo, err := git.OpenOrCreate(filepath.Join(p.root, name), p.branch)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", name, err)
	}

	if p.remoteURL != nil && !repo.HasRemote(p.remoteName) {
		var url strings.Builder
		if err := p.remoteURL.Execute(&url, struct{ Name string }{name}); err != nil {
			return nil, fmt.Errorf("failed to render remote url for %s: %w", name, err)
		}
		if err := repo.SetRemote(p.remoteName, url.String()); err != nil {
			return nil, fmt.Errorf("failed to add remote to %s: %w", name, err)
		}
		p.logger.Info("added remote", "repository", name, "remote", p.remoteName, "url", vcs.RedactURL(url.String()))
	}

	er := &entityRepo{name: name, repo: repo}
	p.repos[name] = er
	return er, nil
}

// lock takes the repository lock, waiting out a concurrent sync
func (p *Pipeline) lock(ctx context.Context, er *entityRepo) (func() error, error) {
	var release func() error

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = lockWait
	err := backoff.Retry(func() error {
		r, err := er.repo.Lock()
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
		return nil, err
	}
	return release, nil
}

// set stores and reports an outcome that is final immediately
func (p *Pipeline) set(ctx context.Context, outcomes []Outcome, i int, o Outcome) {
	outcomes[i] = o
	p.report(ctx, o)
}

func (p *Pipeline) report(ctx context.Context, o Outcome) {
	switch o.Status {
	case Failed:
		p.logger.Warn("failed to export record", "run_id", o.RunID, "repository", o.Repository, "reason", o.Reason)
	case Created:
		p.logger.Info("exported record", "run_id", o.RunID, "repository", o.Repository)
	default:
		p.logger.Debug("record already exported", "run_id", o.RunID, "repository", o.Repository)
	}
	p.records.Count(ctx, o.Status.String(), attribute.String("repository", o.Repository))
	if p.observer != nil {
		p.observer(o)
	}
}
