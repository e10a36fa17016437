package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/config"
	"github.com/nmgrl/dvcsync/internal/metarepo"
	"github.com/nmgrl/dvcsync/internal/source"
	"github.com/nmgrl/dvcsync/internal/syncer"
	"github.com/nmgrl/dvcsync/internal/transfer"
	"github.com/nmgrl/dvcsync/internal/vcs"
)

// exportEnv owns everything an export needs
type exportEnv struct {
	src      *source.Store
	cat      *catalog.DB
	meta     *metarepo.Repo
	pipeline *transfer.Pipeline
}

// openExportEnv connects to the source, opens the catalog and the
// metadata repository and builds the pipeline. observer may be nil.
func openExportEnv(ctx context.Context, observer func(transfer.Outcome)) (*exportEnv, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, err
	}

	env := &exportEnv{}
	var err error

	if env.src, err = source.Open(ctx, &cfg.Source); err != nil {
		return nil, err
	}
	if env.cat, err = catalog.OpenAndInit(ctx, cfg.CatalogPath); err != nil {
		env.Close()
		return nil, err
	}
	if env.meta, err = metarepo.Open(cfg.Root, metarepo.DefaultName, cfg.Branch); err != nil {
		env.Close()
		return nil, err
	}

	opts := []transfer.Option{
		transfer.WithBranch(cfg.Branch),
		transfer.WithRemote(cfg.RemoteName, cfg.RemoteURLTemplate),
		transfer.WithWorkers(cfg.TransferWorkers),
		transfer.WithMetaRepo(env.meta),
		transfer.WithLogger(logger),
	}
	if observer != nil {
		opts = append(opts, transfer.WithObserver(observer))
	}
	if cfg.TransferSync {
		engine, err := newEngine("", false)
		if err != nil {
			env.Close()
			return nil, err
		}
		opts = append(opts, transfer.WithSyncer(engine), transfer.WithPush(cfg.TransferPush))
	}

	if env.pipeline, err = transfer.New(env.src, env.cat, cfg.Root, opts...); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// Close releases the source connection and the catalog
func (e *exportEnv) Close() {
	if e.cat != nil {
		if err := e.cat.Close(); err != nil {
			logger.Warn("failed to close catalog", "error", err)
		}
	}
	if e.src != nil {
		_ = e.src.Close()
	}
}

// newEngine builds a sync engine for the named conflict strategy. The
// "none" strategy installs no resolver, so conflicts end ConflictPending.
func newEngine(strategy string, forceRemote bool) (*syncer.Engine, error) {
	if strategy == "" {
		strategy = cfg.SyncStrategy
	}

	opts := []syncer.Option{
		syncer.WithRemote(cfg.RemoteName),
		syncer.WithBranch(cfg.Branch),
		syncer.WithAllowDestructive(cfg.AllowDestructive || forceRemote),
		syncer.WithRetryMaxElapsed(cfg.RetryMaxElapsed),
		syncer.WithLogger(logger),
	}
	if strategy != config.StrategyNone {
		resolver, err := syncer.Lookup(strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, syncer.WithResolver(resolver))
	}
	return syncer.New(opts...), nil
}

// selectRepositories maps command arguments to repository paths under
// root. With no arguments every repository under root is selected when
// all is set; otherwise that is an error.
func selectRepositories(root string, args []string, all bool) ([]string, error) {
	if len(args) == 0 {
		if !all {
			return nil, errors.New("name one or more repositories or pass --all")
		}
		names, err := vcs.FindRepositories(root)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no repositories under %s", root)
		}
		args = names
	}

	paths := make([]string, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		path := arg
		if !filepath.IsAbs(arg) && !strings.ContainsRune(arg, filepath.Separator) {
			path = filepath.Join(root, arg)
		}
		path = filepath.Clean(path)
		if seen[path] {
			continue
		}
		seen[path] = true

		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("repository %s not found", arg)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// outcomeJSON is the --json form of a transfer outcome
type outcomeJSON struct {
	RunID      string `json:"run_id"`
	Repository string `json:"repository,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Path       string `json:"path,omitempty"`
}

func toOutcomeJSON(outcomes []transfer.Outcome) []outcomeJSON {
	out := make([]outcomeJSON, len(outcomes))
	for i, o := range outcomes {
		out[i] = outcomeJSON{
			RunID:      o.RunID,
			Repository: o.Repository,
			Status:     o.Status.String(),
			Reason:     o.Reason,
			Path:       o.Path,
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
