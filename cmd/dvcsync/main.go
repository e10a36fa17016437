// Command dvcsync exports analyses from the lab database into per-entity
// git repositories and keeps those repositories in sync with their
// remotes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmgrl/dvcsync/internal/config"
	"github.com/nmgrl/dvcsync/internal/logging"
	"github.com/nmgrl/dvcsync/internal/telemetry"
	"github.com/nmgrl/dvcsync/internal/ui"
)

// Version is overridden at build time with -ldflags
var Version = "0.1.0-dev"

var (
	configPath  string
	verboseFlag bool
	jsonOutput  bool

	cfg       *config.Config
	logger    = logging.Discard()
	logCloser io.Closer

	// Signal-aware context for graceful cancellation
	rootCtx    = context.Background()
	rootCancel context.CancelFunc = func() {}
)

// errReported means the command already printed why it failed; main
// only sets the exit code
var errReported = errors.New("failures reported")

var rootCmd = &cobra.Command{
	Use:   "dvcsync",
	Short: "Export analyses into per-entity git repositories and keep them in sync",
	Long: `dvcsync moves analyses out of the lab's relational database into one git
repository per entity, writing a canonical YAML record per analysis and a
catalog row in a local sqlite database. It also reconciles those
repositories with their remotes: stash, rebase, resolve, restore.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		ui.ConfigureColor()

		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if issues := c.Validate(); len(issues) > 0 {
			return fmt.Errorf("invalid configuration:\n  • %s", strings.Join(issues, "\n  • "))
		}
		if verboseFlag {
			c.Log.Level = "debug"
		}
		cfg = c

		l, closer, err := logging.New(c.Log)
		if err != nil {
			return err
		}
		logger, logCloser = l, closer
		slog.SetDefault(logger)

		if c.File != "" {
			logger.Debug("loaded config", "file", c.File)
		}

		return telemetry.Init(rootCtx, c.TelemetryEnabled, "dvcsync", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./.dvcsync/dvcsync.yaml or ~/.config/dvcsync/dvcsync.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "transfer", Title: "Transfer:"},
		&cobra.Group{ID: "sync", Title: "Repository sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)
}

// shutdown flushes telemetry and closes the log file
func shutdown() {
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(ctx)

	if logCloser != nil {
		_ = logCloser.Close()
	}
}

func main() {
	err := rootCmd.Execute()
	shutdown()

	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		}
		os.Exit(1)
	}
}
