package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmgrl/dvcsync/internal/catalog"
	"github.com/nmgrl/dvcsync/internal/dashboard"
	"github.com/nmgrl/dvcsync/internal/transfer"
	"github.com/nmgrl/dvcsync/internal/ui"
	"github.com/nmgrl/dvcsync/internal/watch"
)

var (
	watchDashboard  bool
	watchRepository string
	watchOverwrite  bool
	dashboardPort   int
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "transfer",
	Short:   "Export run lists as they are dropped into the inbox",
	Long: `Watch the inbox directory (watch.inbox) for run-list files.

Each file is exported once its writes settle for watch.debounce, then
moved to processed/ or, if any record failed, to failed/. Files already
waiting in the inbox are exported on startup.

With --dashboard a WebSocket progress feed is served alongside.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var handler *dashboard.Handler
		var observer func(transfer.Outcome)
		if watchDashboard {
			server, h, err := startDashboard(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = server.Stop() }()
			handler, observer = h, h.OnOutcome
		}

		env, err := openExportEnv(rootCtx, observer)
		if err != nil {
			return err
		}
		defer env.Close()

		if handler != nil {
			refreshStats(rootCtx, env.cat, handler)
		}

		daemon, err := watch.New(env.pipeline, cfg.WatchInbox, &watch.Config{
			Debounce:   cfg.WatchDebounce,
			Repository: watchRepository,
			Overwrite:  watchOverwrite,
			Logger:     logger,
			OnBatch: func(b watch.Batch) {
				printBatch(b)
				if handler != nil {
					handler.OnBatch(b.File, b.Summary, b.Duration, b.Err)
					refreshStats(rootCtx, env.cat, handler)
				}
			},
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Watching %s\n", ui.RenderAccent(ui.IconInfo), daemon.Inbox())
		fmt.Println(ui.RenderMuted("Press Ctrl+C to stop"))

		return daemon.Start(rootCtx)
	},
}

func printBatch(b watch.Batch) {
	status := "created"
	switch {
	case b.Err != nil || b.Summary.Failed > 0:
		status = "failed"
	case b.Summary.Created == 0:
		status = "skipped"
	}
	fmt.Println(ui.StatusLine(status, b.File, b.Summary.String()))
	if b.Err != nil {
		fmt.Println(ui.DetailLine(b.Err.Error()))
	}
	for _, o := range b.Outcomes {
		if o.Status == transfer.Failed {
			fmt.Println(ui.DetailLine(o.RunID + ": " + o.Reason))
		}
	}
}

// startDashboard starts the WebSocket feed on --port or dashboard.port
func startDashboard(cmd *cobra.Command) (*dashboard.Server, *dashboard.Handler, error) {
	port := cfg.DashboardPort
	if cmd.Flags().Changed("port") {
		port = dashboardPort
	}

	server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
	if err := server.Start(); err != nil {
		return nil, nil, err
	}
	handler := dashboard.NewHandler(server, logger)

	fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent(ui.IconInfo), server.Addr())
	return server, handler, nil
}

func refreshStats(ctx context.Context, cat *catalog.DB, handler *dashboard.Handler) {
	stats, err := cat.Stats(ctx)
	if err != nil {
		logger.Warn("failed to read catalog stats", "error", err)
		return
	}
	handler.UpdateStats(stats)
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "admin",
	Short:   "Serve the WebSocket progress feed",
	Long: `Start the dashboard WebSocket server on its own.

Standalone, the feed carries catalog row counts refreshed every
--interval. Run 'dvcsync watch --dashboard' to also stream per-record
outcomes as they happen.

Connect with a WebSocket client:
  ws://localhost:8787/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		cat, err := catalog.OpenAndInit(rootCtx, cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer cat.Close()

		server, handler, err := startDashboard(cmd)
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderMuted("Press Ctrl+C to stop"))

		refreshStats(rootCtx, cat, handler)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-rootCtx.Done():
				fmt.Println("\nShutting down dashboard server...")
				return server.Stop()
			case <-ticker.C:
				refreshStats(rootCtx, cat, handler)
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchDashboard, "dashboard", false, "serve the WebSocket progress feed while watching")
	watchCmd.Flags().StringVar(&watchRepository, "repository", "", "export every record into this repository")
	watchCmd.Flags().BoolVar(&watchOverwrite, "overwrite", false, "rewrite records that were already exported")
	watchCmd.Flags().IntVarP(&dashboardPort, "port", "p", dashboard.DefaultPort, "dashboard port (default dashboard.port)")

	dashboardCmd.Flags().IntVarP(&dashboardPort, "port", "p", dashboard.DefaultPort, "port to listen on (default dashboard.port)")
	dashboardCmd.Flags().Duration("interval", 10*time.Second, "catalog stats refresh interval")

	rootCmd.AddCommand(watchCmd, dashboardCmd)
}
