// Package daemon is the coordinator's composition root: it owns the
// registry, queue, monitors, and recovery engine, and sequences startup
// so no external side effect happens before the RPC port is bound.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/audit"
	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/fsys"
	"github.com/fleetd/fleetd/internal/monitor"
	"github.com/fleetd/fleetd/internal/queue"
	"github.com/fleetd/fleetd/internal/recovery"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/review"
	"github.com/fleetd/fleetd/internal/term"
	"github.com/fleetd/fleetd/internal/wslock"
)

// Exit codes for the daemon process.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUnavailable = 2
)

// Coordinator wires every subsystem together. Handlers receive it by
// parameter; there is no ambient process-wide instance.
type Coordinator struct {
	Cfg      *config.Config
	Log      *zap.Logger
	Reg      *registry.Registry
	Queue    *queue.Queue
	Monitor  *monitor.Monitor
	Recovery *recovery.Engine
	Locks    *wslock.Manager
	Review   *review.Orchestrator
	Audit    *audit.Store
	Hub      *events.Hub
	Notifier forum.Notifier
	Adapter  term.Adapter

	fs       fsys.FS
	stateDir string
	instLock *flock.Flock
}

// Options configures a Coordinator.
type Options struct {
	Config   *config.Config
	Log      *zap.Logger
	Adapter  term.Adapter
	Notifier forum.Notifier
	Hub      *events.Hub
	Audit    *audit.Store
	FS       fsys.FS
	StateDir string
}

// New wires a Coordinator from its collaborators.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub(events.Discard)
	}
	fs := opts.FS
	if fs == nil {
		fs = fsys.OSFS{}
	}

	snapshotPath := ""
	if opts.StateDir != "" {
		snapshotPath = filepath.Join(opts.StateDir, "state.json")
	}

	reg := registry.New(registry.Options{
		Adapter:      opts.Adapter,
		Notifier:     opts.Notifier,
		Recorder:     hub,
		Log:          log,
		SnapshotPath: snapshotPath,
		DefaultChat:  cfg.Forum.DefaultChat,
	})
	q := queue.New(queue.Options{
		Registry: reg,
		Adapter:  opts.Adapter,
		FS:       fs,
		Recorder: hub,
		Log:      log,
		Audit:    opts.Audit,
		Config:   cfg,
	})
	re := recovery.New(recovery.Options{
		Registry: reg,
		Adapter:  opts.Adapter,
		Recorder: hub,
		Log:      log,
		Config:   cfg,
	})
	// Real idle transitions flush deferred recoveries.
	q.OnRealIdle = re.FlushPending

	mon := monitor.New(monitor.Options{
		Registry: reg,
		Adapter:  opts.Adapter,
		Queue:    q,
		Recovery: re,
		Recorder: hub,
		Log:      log,
		Config:   cfg,
	})
	rev := review.New(review.Options{
		Registry: reg,
		Adapter:  opts.Adapter,
		Queue:    q,
		Recorder: hub,
		Log:      log,
		Config:   cfg,
	})

	return &Coordinator{
		Cfg:      cfg,
		Log:      log,
		Reg:      reg,
		Queue:    q,
		Monitor:  mon,
		Recovery: re,
		Locks:    wslock.NewManager(),
		Review:   rev,
		Audit:    opts.Audit,
		Hub:      hub,
		Notifier: opts.Notifier,
		Adapter:  opts.Adapter,
		fs:       fs,
		stateDir: opts.StateDir,
	}
}

// AcquireInstanceLock takes the exclusive daemon lock in the state
// directory. A second coordinator on the same state dir must refuse to
// start.
func (c *Coordinator) AcquireInstanceLock() error {
	if c.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	c.instLock = flock.New(filepath.Join(c.stateDir, "daemon.lock"))
	ok, err := c.instLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("coordinator already running in %s", c.stateDir)
	}
	return nil
}

// ReleaseInstanceLock drops the daemon lock.
func (c *Coordinator) ReleaseInstanceLock() {
	if c.instLock != nil {
		_ = c.instLock.Unlock()
	}
}

// Serve runs the full daemon lifecycle: snapshot load and pane
// validation, port bind, post-bind reconciliation, monitor loop, and
// the HTTP server. handler is the RPC surface (built by internal/api).
// Returns a process exit code.
func (c *Coordinator) Serve(ctx context.Context, handler http.Handler) int {
	orphans, err := c.PrepareStartup()
	if err != nil {
		c.Log.Error("startup preparation failed", zap.Error(err))
		return ExitError
	}

	// Bind before any external side effect: a crash-looping instance
	// that cannot actually run must not touch the forum.
	lis, err := net.Listen("tcp", c.Cfg.Server.Addr())
	if err != nil {
		c.Log.Error("binding rpc port", zap.String("addr", c.Cfg.Server.Addr()), zap.Error(err))
		return ExitUnavailable
	}

	c.FinishStartup(ctx, orphans)

	monCtx, cancelMon := context.WithCancel(ctx)
	defer cancelMon()
	go c.Monitor.Run(monCtx)

	srv := &http.Server{Handler: handler, ReadTimeout: 30 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	c.Hub.Record(events.Event{Type: events.DaemonStarted, Actor: "fleetd"})
	c.Log.Info("coordinator listening", zap.String("addr", c.Cfg.Server.Addr()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Log.Error("rpc server", zap.Error(err))
			return ExitError
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		c.Log.Warn("rpc shutdown", zap.Error(err))
	}
	c.Shutdown()
	return ExitOK
}

// Shutdown stops owned panes when configured and persists a final
// snapshot.
func (c *Coordinator) Shutdown() {
	if c.Cfg.Shutdown.KillPanes {
		c.stopAllPanes()
	}
	if err := c.Reg.Persist(); err != nil {
		c.Log.Warn("final snapshot", zap.Error(err))
	}
	c.Hub.Record(events.Event{Type: events.DaemonStopped, Actor: "fleetd"})
}

// stopAllPanes performs two-pass graceful shutdown: interrupt all owned
// panes, wait the grace period, then kill survivors.
func (c *Coordinator) stopAllPanes() {
	sessions := c.Reg.List()
	for _, s := range sessions {
		_ = c.Adapter.SendInterrupt(s.PaneName()) // best-effort
	}
	time.Sleep(c.Cfg.Shutdown.GracePeriodDuration())
	for _, s := range sessions {
		if live, err := c.Adapter.HasPane(s.PaneName()); err == nil && !live {
			continue
		}
		if err := c.Adapter.KillPane(s.PaneName()); err != nil {
			c.Log.Warn("killing pane on shutdown", zap.String("session", s.ID), zap.Error(err))
		}
	}
}

// DeleteSession is the kill cascade: parent-scoped auth, queue and
// scheduler cancellation, forum thread close, pane removal, registry
// delete. A pane that is already gone only needs the in-memory and
// external cleanup.
func (c *Coordinator) DeleteSession(ctx context.Context, callerID, id string) error {
	if err := c.Reg.Authorize(callerID, id); err != nil {
		return err
	}
	sess, err := c.Reg.Get(id)
	if err != nil {
		return err
	}

	c.Queue.CancelSession(id)
	c.Recovery.Drop(id)
	c.Monitor.Forget(id)
	c.Locks.ReleaseAll(id)

	if sess.ChatID != "" && sess.ThreadID != "" {
		if err := c.Notifier.CloseThread(ctx, sess.ChatID, sess.ThreadID); err != nil {
			c.Log.Warn("closing forum thread", zap.String("session", id), zap.Error(err))
		}
	}

	if err := c.Adapter.KillPane(sess.PaneName()); err != nil {
		c.Log.Warn("killing pane", zap.String("session", id), zap.Error(err))
	}

	return c.Reg.Delete(id)
}

// ClearSession clears the agent's context and reconciles the side
// effects: the /clear keystroke triggers stop hooks that must not be
// mistaken for completions, so the skip fence is armed first.
func (c *Coordinator) ClearSession(callerID, id string) error {
	if err := c.Reg.Authorize(callerID, id); err != nil {
		return err
	}
	sess, err := c.Reg.Get(id)
	if err != nil {
		return err
	}

	c.Queue.InvalidateCache(id)
	if err := c.Adapter.SendText(sess.PaneName(), "/clear"); err != nil {
		return fmt.Errorf("sending /clear: %w", err)
	}
	return nil
}

// ReportStatus records agent-reported status text and resets the
// session's reminder timer.
func (c *Coordinator) ReportStatus(id, text string) error {
	if err := c.Reg.SetStatusText(id, text); err != nil {
		return err
	}
	c.Queue.ResetRemind(id)
	return nil
}

// CompleteChild handles a parent observing a child's completion: the
// child's forum thread is closed with a completion message.
func (c *Coordinator) CompleteChild(ctx context.Context, childID string) {
	sess, err := c.Reg.Get(childID)
	if err != nil || sess.ChatID == "" || sess.ThreadID == "" {
		return
	}
	if err := c.Notifier.Send(ctx, sess.ChatID, sess.ThreadID, "Session completed", ""); err != nil {
		c.Log.Warn("completion message", zap.String("session", childID), zap.Error(err))
	}
	if err := c.Notifier.CloseThread(ctx, sess.ChatID, sess.ThreadID); err != nil {
		c.Log.Warn("closing completed thread", zap.String("session", childID), zap.Error(err))
	}
}
