// Package recovery implements harness-crash detection and the deferred
// restart pipeline.
//
// Crashes observed while a session is RUNNING are parked in a pending
// set and flushed when the session reaches a safe state; recovery never
// fires while a permission prompt is on screen.
package recovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/telemetry"
	"github.com/fleetd/fleetd/internal/term"
)

// crashSignatures are pane-output substrings that identify a harness
// crash. Multi-chunk dumps hit several of these; the per-session
// cooldown keeps them from double-firing.
var crashSignatures = []string{
	"RangeError: Maximum call stack size exceeded",
	"FATAL ERROR: Reached heap limit",
	"JavaScript heap out of memory",
	"Segmentation fault",
	"panic: runtime error",
	"Unhandled promise rejection",
}

// Detect reports whether pane output contains a crash signature.
func Detect(output string) bool {
	for _, sig := range crashSignatures {
		if strings.Contains(output, sig) {
			return true
		}
	}
	return false
}

// exitSettle is the pause after /exit (or interrupt) before the resume
// command is typed. Tests shorten it.
var exitSettle = 2 * time.Second

// Engine is the crash-recovery pipeline. Safe for concurrent use.
type Engine struct {
	reg *registry.Registry
	ad  term.Adapter
	rec events.Recorder
	log *zap.Logger
	cfg *config.Config

	mu            sync.Mutex
	cooldownUntil map[string]time.Time
	pending       map[string]bool

	// now is injectable for debounce tests.
	now func() time.Time
}

// Options configures an Engine.
type Options struct {
	Registry *registry.Registry
	Adapter  term.Adapter
	Recorder events.Recorder
	Log      *zap.Logger
	Config   *config.Config
}

// New returns a ready Engine.
func New(opts Options) *Engine {
	rec := opts.Recorder
	if rec == nil {
		rec = events.Discard
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		reg:           opts.Registry,
		ad:            opts.Adapter,
		rec:           rec,
		log:           log,
		cfg:           cfg,
		cooldownUntil: make(map[string]time.Time),
		pending:       make(map[string]bool),
		now:           time.Now,
	}
}

// HandleCrash runs the pipeline for a detected crash signature:
// provider gate, debounce, then either immediate recovery or deferral
// while the session is RUNNING.
func (e *Engine) HandleCrash(id string) {
	sess, err := e.reg.Get(id)
	if err != nil {
		return
	}
	// Only claude sessions carry a resumable harness.
	if sess.Provider != provider.Claude {
		return
	}

	e.mu.Lock()
	if e.now().Before(e.cooldownUntil[id]) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.rec.Record(events.Event{Type: events.CrashDetected, Subject: id})

	if sess.Status == registry.StatusRunning {
		e.mu.Lock()
		e.pending[id] = true
		e.mu.Unlock()
		e.rec.Record(events.Event{Type: events.CrashDeferred, Subject: id})
		telemetry.RecordCrash(context.Background(), id, true)
		return
	}

	telemetry.RecordCrash(context.Background(), id, false)
	e.Recover(id, true)
}

// Pending reports whether a deferred recovery exists for id.
func (e *Engine) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[id]
}

// FlushPending runs a deferred recovery if one exists, the failure
// cooldown has elapsed, and no permission prompt is on screen. Called
// on transitions to IDLE/STOPPED and retried by the monitor loop.
func (e *Engine) FlushPending(id string) {
	e.mu.Lock()
	if !e.pending[id] || e.now().Before(e.cooldownUntil[id]) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	sess, err := e.reg.Get(id)
	if err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return
	}
	// A permission prompt means the agent is mid-dialog, not crashed
	// out; flushing now would type over the prompt.
	if sess.AwaitingPermission {
		return
	}

	e.Recover(id, true)
}

// Drop removes all recovery state for id. Called on session delete.
func (e *Engine) Drop(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	delete(e.cooldownUntil, id)
	e.mu.Unlock()
}

// Recover restarts the session's harness. When graceful, the agent is
// asked to /exit first; otherwise it is interrupted. Either way the
// nested-session guard variable is unset between reset and resume so
// the provider does not refuse the relaunch.
func (e *Engine) Recover(id string, graceful bool) {
	sess, err := e.reg.Get(id)
	if err != nil {
		return
	}
	pane := sess.PaneName()

	// Claim the attempt before touching the pane so a concurrent flush
	// cannot double-fire.
	e.mu.Lock()
	if e.now().Before(e.cooldownUntil[id]) {
		e.mu.Unlock()
		return
	}
	e.cooldownUntil[id] = e.now().Add(e.cfg.Timing.RecoveryFailureCooldownDuration())
	delete(e.pending, id)
	e.mu.Unlock()

	if graceful {
		if err := e.ad.SendText(pane, "/exit"); err != nil {
			e.fail(id, "sending /exit", err)
			return
		}
	} else {
		if err := e.ad.SendInterrupt(pane); err != nil {
			e.fail(id, "interrupting", err)
			return
		}
	}
	time.Sleep(exitSettle)

	// The harness refuses to start inside what it thinks is another
	// harness session.
	if err := e.ad.SendText(pane, "unset CLAUDECODE"); err != nil {
		e.fail(id, "unsetting nested-session guard", err)
		return
	}

	resume := sess.Capabilities().LaunchCommand
	if sess.ResumeToken != "" && sess.Capabilities().SupportsResumeToken {
		resume += " --resume " + sess.ResumeToken
	}
	if err := e.ad.SendText(pane, resume); err != nil {
		e.fail(id, "relaunching", err)
		return
	}

	e.mu.Lock()
	e.cooldownUntil[id] = e.now().Add(e.cfg.Timing.RecoverySuccessCooldownDuration())
	e.mu.Unlock()

	if err := e.reg.SetStatus(id, registry.StatusRunning); err != nil {
		e.log.Warn("marking recovered session running", zap.String("session", id), zap.Error(err))
	}
	e.rec.Record(events.Event{Type: events.CrashRecovered, Subject: id})
	telemetry.RecordRecovery(context.Background(), id, nil)
}

// fail records a failed attempt: short cooldown, back on the pending
// set for the monitor's retry pass.
func (e *Engine) fail(id, what string, err error) {
	e.log.Warn("recovery "+what, zap.String("session", id), zap.Error(err))
	telemetry.RecordRecovery(context.Background(), id, err)
	e.mu.Lock()
	e.pending[id] = true
	e.cooldownUntil[id] = e.now().Add(e.cfg.Timing.RecoveryFailureCooldownDuration())
	e.mu.Unlock()
}
