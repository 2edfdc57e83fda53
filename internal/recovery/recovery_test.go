package recovery

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/term"
)

type fixture struct {
	e   *Engine
	reg *registry.Registry
	ad  *term.Fake
	rec *events.Fake
}

func TestMain(m *testing.M) {
	exitSettle = time.Millisecond
	os.Exit(m.Run())
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ad := term.NewFake()
	rec := events.NewFake()
	reg := registry.New(registry.Options{
		Adapter: ad, Notifier: forum.NewFake(), Recorder: rec,
	})
	e := New(Options{Registry: reg, Adapter: ad, Recorder: rec,
		Config: &config.Config{}})
	return &fixture{e: e, reg: reg, ad: ad, rec: rec}
}

func (f *fixture) newSession(t *testing.T, prov provider.Name) registry.Session {
	t.Helper()
	sess, err := f.reg.Create(t.Context(), registry.CreateParams{
		WorkDir: "/w", Provider: prov,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func (f *fixture) recoverSends(pane string) []string {
	var out []string
	for _, c := range f.ad.CallsSnapshot() {
		if c.Method == "SendText" && c.Name == pane {
			out = append(out, c.Text)
		}
	}
	return out
}

func TestDetect(t *testing.T) {
	if !Detect("blah\nRangeError: Maximum call stack size exceeded\nblah") {
		t.Errorf("stack overflow signature missed")
	}
	if Detect("All tests passing") {
		t.Errorf("false positive on clean output")
	}
}

func TestCrashWhileRunningDefers(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, provider.Claude)
	if err := f.reg.SetStatus(sess.ID, registry.StatusRunning); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	f.e.HandleCrash(sess.ID)

	if !f.e.Pending(sess.ID) {
		t.Fatalf("crash not deferred")
	}
	if got := f.recoverSends(sess.PaneName()); len(got) != 0 {
		t.Errorf("recovery keystrokes sent while running: %v", got)
	}
}

func TestDeferredRecoveryFlushesOnceOnIdle(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, provider.Claude)
	if err := f.reg.Mutate(sess.ID, func(s *registry.Session) error {
		s.Status = registry.StatusRunning
		s.ResumeToken = "tok-123"
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	f.e.HandleCrash(sess.ID)
	if err := f.reg.SetStatus(sess.ID, registry.StatusIdle); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.e.FlushPending(sess.ID)

	sends := f.recoverSends(sess.PaneName())
	joined := strings.Join(sends, "\n")
	if !strings.Contains(joined, "/exit") {
		t.Errorf("graceful recovery missing /exit: %v", sends)
	}
	if !strings.Contains(joined, "unset CLAUDECODE") {
		t.Errorf("nested-session guard not unset: %v", sends)
	}
	if !strings.Contains(joined, "claude --resume tok-123") {
		t.Errorf("resume command missing token: %v", sends)
	}

	// Consecutive crash chunks inside the success cooldown are ignored.
	before := len(f.recoverSends(sess.PaneName()))
	f.e.HandleCrash(sess.ID)
	f.e.FlushPending(sess.ID)
	if after := len(f.recoverSends(sess.PaneName())); after != before {
		t.Errorf("second recovery fired inside the cooldown")
	}
}

func TestProviderGateOnlyClaude(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, provider.CodexTmux)
	f.e.HandleCrash(sess.ID)
	if f.e.Pending(sess.ID) {
		t.Errorf("codex session entered the recovery pipeline")
	}
	if got := f.recoverSends(sess.PaneName()); len(got) != 0 {
		t.Errorf("recovery keystrokes sent to codex session: %v", got)
	}
}

func TestFlushSuppressedWhileAwaitingPermission(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t, provider.Claude)
	if err := f.reg.SetStatus(sess.ID, registry.StatusRunning); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	f.e.HandleCrash(sess.ID)

	if err := f.reg.SetStatus(sess.ID, registry.StatusIdle); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := f.reg.MutateRuntime(sess.ID, func(s *registry.Session) {
		s.AwaitingPermission = true
	}); err != nil {
		t.Fatalf("MutateRuntime: %v", err)
	}
	f.e.FlushPending(sess.ID)
	if got := f.recoverSends(sess.PaneName()); len(got) != 0 {
		t.Errorf("recovery fired over a permission prompt: %v", got)
	}
	if !f.e.Pending(sess.ID) {
		t.Errorf("pending recovery lost")
	}

	// Prompt answered: flush proceeds.
	if err := f.reg.MutateRuntime(sess.ID, func(s *registry.Session) {
		s.AwaitingPermission = false
	}); err != nil {
		t.Fatalf("MutateRuntime: %v", err)
	}
	f.e.FlushPending(sess.ID)
	if got := f.recoverSends(sess.PaneName()); len(got) == 0 {
		t.Errorf("recovery did not fire after the prompt cleared")
	}
}

func TestFailureCooldownAllowsRetry(t *testing.T) {
	// A fail-fake adapter breaks every send.
	ad := term.NewFailFake()
	reg := registry.New(registry.Options{Adapter: ad, Notifier: forum.NewFake()})
	e := New(Options{Registry: reg, Adapter: ad, Config: &config.Config{}})

	reg.Restore(registry.Snapshot{Sessions: []registry.Session{{
		ID: "ab12cd34", WorkDir: "/w", Provider: provider.Claude,
		Status: registry.StatusIdle,
	}}})

	base := time.Now()
	e.now = func() time.Time { return base }
	e.Recover("ab12cd34", true)
	if !e.Pending("ab12cd34") {
		t.Fatalf("failed recovery not re-queued")
	}

	// Inside the failure cooldown nothing fires.
	e.now = func() time.Time { return base.Add(time.Second) }
	e.FlushPending("ab12cd34")

	// After the cooldown the retry runs (and fails again, staying
	// pending).
	e.now = func() time.Time { return base.Add(10 * time.Second) }
	e.FlushPending("ab12cd34")
	if !e.Pending("ab12cd34") {
		t.Errorf("retry state lost")
	}
}
