package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/api"
	"github.com/fleetd/fleetd/internal/audit"
	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/daemon"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/fsys"
	"github.com/fleetd/fleetd/internal/logger"
	"github.com/fleetd/fleetd/internal/telemetry"
	"github.com/fleetd/fleetd/internal/term/tmux"
)

// newServeCmd runs the coordinator daemon.
func newServeCmd(stdout, stderr io.Writer) *cobra.Command {
	var configPath string
	var stateDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon",
		RunE: func(*cobra.Command, []string) error {
			code := runServe(configPath, stateDir, stdout, stderr)
			if code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to fleetd.toml (default: <state-dir>/fleetd.toml)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "coordinator state directory (default: ~/.fleetd)")
	return cmd
}

func runServe(configPath, stateDir string, stdout, stderr io.Writer) int {
	fs := fsys.OSFS{}

	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(stderr, "fleetd: resolving home directory: %v\n", err) //nolint:errcheck // best-effort stderr
			return daemon.ExitError
		}
		stateDir = filepath.Join(home, ".fleetd")
	}

	// Config is optional; an invalid file refuses startup.
	cfg := config.Default()
	if configPath == "" {
		configPath = filepath.Join(stateDir, "fleetd.toml")
	}
	if _, err := fs.Stat(configPath); err == nil {
		loaded, err := config.Load(fs, configPath)
		if err != nil {
			fmt.Fprintf(stderr, "fleetd: %v\n", err) //nolint:errcheck // best-effort stderr
			return daemon.ExitError
		}
		cfg = loaded
	}
	if cfg.State.Dir != "" {
		stateDir = cfg.State.Dir
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(stderr, "fleetd: %v\n", err) //nolint:errcheck // best-effort stderr
		return daemon.ExitError
	}
	defer log.Sync() //nolint:errcheck // stderr sync is best-effort
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTel, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint)
	if err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
	}
	if shutdownTel != nil {
		defer shutdownTel(context.Background()) //nolint:errcheck // flush on exit
	}

	recorder, err := events.NewFileRecorder(filepath.Join(stateDir, "events.jsonl"), stderr)
	if err != nil {
		fmt.Fprintf(stderr, "fleetd: %v\n", err) //nolint:errcheck // best-effort stderr
		return daemon.ExitError
	}
	defer recorder.Close() //nolint:errcheck // flushed on close
	hub := events.NewHub(recorder)

	auditDSN := cfg.Audit.DSN
	if auditDSN == "" {
		auditDSN = filepath.Join(stateDir, "audit.db")
	}
	auditStore, err := audit.Open(cfg.Audit.Driver, auditDSN)
	if err != nil {
		fmt.Fprintf(stderr, "fleetd: %v\n", err) //nolint:errcheck // best-effort stderr
		return daemon.ExitError
	}
	defer auditStore.Close() //nolint:errcheck // single writer, close on exit

	adapter := tmux.NewAdapter(cfg.Timing.SendKeysTimeoutDuration(), cfg.Timing.CaptureTimeoutDuration())

	coord := daemon.New(daemon.Options{
		Config:   cfg,
		Log:      log,
		Adapter:  adapter,
		Notifier: forum.NewLogNotifier(log),
		Hub:      hub,
		Audit:    auditStore,
		FS:       fs,
		StateDir: stateDir,
	})

	if err := coord.AcquireInstanceLock(); err != nil {
		fmt.Fprintf(stderr, "fleetd: %v\n", err) //nolint:errcheck // best-effort stderr
		return daemon.ExitUnavailable
	}
	defer coord.ReleaseInstanceLock()

	// SIGINT/SIGTERM → cancel.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stopWatch := coord.WatchConfig(configPath)
	defer stopWatch()

	router := api.NewRouter(coord, log)
	fmt.Fprintln(stdout, "Coordinator started.") //nolint:errcheck // best-effort stdout
	code := coord.Serve(ctx, router)
	fmt.Fprintln(stdout, "Coordinator stopped.") //nolint:errcheck // best-effort stdout
	return code
}
