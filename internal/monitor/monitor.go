// Package monitor polls live panes and classifies new output: crash
// signatures, permission prompts, completion heuristics, and idle
// silence. The monitor never sets the delivery-state idle flag itself —
// that is the stop hook's job, with the prompt-signature fallback for
// providers that have no hooks.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/queue"
	"github.com/fleetd/fleetd/internal/recovery"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/term"
)

// captureLines is how much pane scrollback each poll inspects.
const captureLines = 60

// permissionPatterns mark an interactive permission dialog on screen.
var permissionPatterns = []string{
	"Do you want to proceed?",
	"Do you want to allow",
	"Allow this tool",
	"Bypass Permissions mode",
}

// completionPatterns are informational completion heuristics for
// providers without a stop hook.
var completionPatterns = []string{
	"Done.",
	"Complete",
	"All tests passing",
}

// promptStreakRequired is the consecutive-poll threshold before a
// prompt signature is trusted as idle.
const promptStreakRequired = 2

// paneState is the monitor's memory of one pane between polls.
type paneState struct {
	lastContent  string
	lastChangeAt time.Time
	idleFiredAt  time.Time // lastChangeAt value the idle one-shot fired for
	permHash     string
	promptStreak int
}

// Monitor is the pane output monitor. One goroutine polls all RUNNING
// sessions.
type Monitor struct {
	reg  *registry.Registry
	ad   term.Adapter
	q    *queue.Queue
	re   *recovery.Engine
	rec  events.Recorder
	log  *zap.Logger
	cfg  *config.Config

	mu    sync.Mutex
	panes map[string]*paneState
}

// Options configures a Monitor.
type Options struct {
	Registry *registry.Registry
	Adapter  term.Adapter
	Queue    *queue.Queue
	Recovery *recovery.Engine
	Recorder events.Recorder
	Log      *zap.Logger
	Config   *config.Config
}

// New returns a ready Monitor.
func New(opts Options) *Monitor {
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
	return &Monitor{
		reg:   opts.Registry,
		ad:    opts.Adapter,
		q:     opts.Queue,
		re:    opts.Recovery,
		rec:   rec,
		log:   log,
		cfg:   cfg,
		panes: make(map[string]*paneState),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Timing.MonitorIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(time.Now())
		}
	}
}

// Tick runs one poll pass over all sessions. Exported for tests.
func (m *Monitor) Tick(now time.Time) {
	for _, sess := range m.reg.List() {
		switch sess.Status {
		case registry.StatusRunning:
			m.pollSession(sess, now)
		case registry.StatusIdle, registry.StatusStopped:
			// Retry pass for deferred recoveries whose failure
			// cooldown has elapsed.
			if m.re != nil && m.re.Pending(sess.ID) {
				m.re.FlushPending(sess.ID)
			}
		}
	}
}

func (m *Monitor) pollSession(sess registry.Session, now time.Time) {
	out, err := m.ad.Capture(sess.PaneName(), captureLines)
	if err != nil {
		return // pane briefly unreadable; next tick retries
	}

	m.mu.Lock()
	st, ok := m.panes[sess.ID]
	if !ok {
		st = &paneState{lastContent: out, lastChangeAt: now}
		m.panes[sess.ID] = st
		m.mu.Unlock()
		return
	}
	changed := out != st.lastContent
	var delta string
	if changed {
		delta = newContent(st.lastContent, out)
		st.lastContent = out
		st.lastChangeAt = now
	}
	lastChange := st.lastChangeAt
	m.mu.Unlock()

	if changed {
		m.classify(sess, out, delta, st)
		return
	}

	// A parked prompt stops producing new content; hookless providers
	// still need their idle-prompt detection to reach the streak
	// threshold.
	if caps := sess.Capabilities(); !caps.SupportsStopHook {
		m.checkPromptIdle(sess, out, st, caps)
	}

	// 4. Silence: strictly greater than the idle timeout, one shot per
	// (session, last-activity).
	if now.Sub(lastChange) > m.cfg.Timing.IdleTimeoutDuration() {
		m.mu.Lock()
		fired := st.idleFiredAt.Equal(lastChange)
		if !fired {
			st.idleFiredAt = lastChange
		}
		m.mu.Unlock()
		if !fired {
			m.fireIdleNotification(sess)
		}
	}
}

// classify runs the ordered pattern tests on new content.
func (m *Monitor) classify(sess registry.Session, full, delta string, st *paneState) {
	// Any new content after a permission prompt clears the flag —
	// the operator (or agent) answered the dialog.
	if sess.AwaitingPermission {
		_ = m.reg.MutateRuntime(sess.ID, func(s *registry.Session) { s.AwaitingPermission = false })
	}

	// 1. Crash signature.
	if recovery.Detect(delta) {
		if m.re != nil {
			m.re.HandleCrash(sess.ID)
		}
		return
	}

	// 2. Permission prompt, debounced by pattern hash.
	if pattern := matchAny(full, permissionPatterns); pattern != "" {
		hash := contentHash(pattern + lastLine(full))
		m.mu.Lock()
		dup := st.permHash == hash
		st.permHash = hash
		m.mu.Unlock()
		if !dup {
			_ = m.reg.MutateRuntime(sess.ID, func(s *registry.Session) { s.AwaitingPermission = true })
			m.notify(sess, sess.DisplayName()+" is awaiting permission")
		}
		return
	}

	// 3. Completion heuristics: informational only, and only useful for
	// providers without a stop hook.
	caps := sess.Capabilities()
	if !caps.SupportsStopHook {
		if pattern := matchAny(delta, completionPatterns); pattern != "" {
			m.rec.Record(events.Event{Type: events.SessionIdle, Subject: sess.ID,
				Message: "completion heuristic: " + pattern})
		}
		m.checkPromptIdle(sess, full, st, caps)
	}
}

// checkPromptIdle implements the idle-prompt fallback for hookless
// providers: two consecutive polls ending on the prompt signature mark
// the session idle.
func (m *Monitor) checkPromptIdle(sess registry.Session, full string, st *paneState, caps provider.Capabilities) {
	sig := strings.TrimSpace(caps.PromptSignature)
	if sig == "" {
		return
	}
	atPrompt := strings.HasPrefix(strings.TrimSpace(lastLine(full)), sig)

	m.mu.Lock()
	if atPrompt {
		st.promptStreak++
	} else {
		st.promptStreak = 0
	}
	streak := st.promptStreak
	m.mu.Unlock()

	if atPrompt && streak == promptStreakRequired {
		m.q.MarkSessionIdle(sess.ID, false, "")
	}
}

// fireIdleNotification reports prolonged silence and gives deferred
// recoveries their idle-transition flush.
func (m *Monitor) fireIdleNotification(sess registry.Session) {
	m.notify(sess, sess.DisplayName()+" has been silent past the idle timeout")
	if m.re != nil {
		m.re.FlushPending(sess.ID)
	}
}

// notify sends a one-line notice to the session's forum thread.
// Forum-transient failures are logged and never propagate.
func (m *Monitor) notify(sess registry.Session, text string) {
	m.rec.Record(events.Event{Type: events.SessionIdle, Subject: sess.ID, Message: text})
	if sess.ChatID == "" {
		return
	}
	if err := m.reg.Notifier().Send(context.Background(), sess.ChatID, sess.ThreadID, text, ""); err != nil {
		m.log.Warn("forum notify", zap.String("session", sess.ID), zap.Error(err))
	}
}

// Forget drops monitor state for a deleted session.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.panes, id)
	m.mu.Unlock()
}

// newContent returns the suffix of cur not present in prev. Captures
// are sliding windows, so the common case is prev being a suffix-
// overlapping prefix; fall back to the full capture when no overlap is
// found.
func newContent(prev, cur string) string {
	if prev == "" {
		return cur
	}
	if idx := strings.Index(cur, lastLine(prev)); idx >= 0 {
		return cur[idx:]
	}
	return cur
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func matchAny(s string, patterns []string) string {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return p
		}
	}
	return ""
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
