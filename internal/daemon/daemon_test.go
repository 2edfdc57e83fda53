package daemon

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/fsys"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/term"
)

type fixture struct {
	c  *Coordinator
	ad *term.Fake
	fn *forum.Fake
	fs *fsys.Fake
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	ad := term.NewFake()
	fn := forum.NewFake()
	fs := fsys.NewFake()
	c := New(Options{
		Config:   cfg,
		Log:      zap.NewNop(),
		Adapter:  ad,
		Notifier: fn,
		Hub:      events.NewHub(events.NewFake()),
		FS:       fs,
	})
	return &fixture{c: c, ad: ad, fn: fn, fs: fs}
}

func writeSnapshot(t *testing.T, dir string, snap registry.Snapshot) string {
	t.Helper()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func TestStartupDropsDeadSessionsBeforeBind(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, registry.Snapshot{Sessions: []registry.Session{
		{ID: "11111111", WorkDir: "/w", Provider: provider.Claude,
			Status: registry.StatusIdle, ChatID: "C", ThreadID: "T"},
		{ID: "22222222", WorkDir: "/w", Provider: provider.Claude,
			Status: registry.StatusIdle, ChatID: "C", ThreadID: "T2"},
	}})

	ad := term.NewFake()
	ad.AddPane("agent-11111111") // only the first session's pane is live
	fn := forum.NewFake()
	c := New(Options{
		Config:   &config.Config{},
		Log:      zap.NewNop(),
		Adapter:  ad,
		Notifier: fn,
		StateDir: dir,
	})

	orphans, err := c.PrepareStartup()
	if err != nil {
		t.Fatalf("PrepareStartup: %v", err)
	}

	// No forum side effect is observable before the bind.
	if len(fn.Calls) != 0 {
		t.Fatalf("forum touched before port bind: %+v", fn.Calls)
	}
	if c.Reg.Exists("22222222") {
		t.Errorf("dead session kept")
	}
	if !c.Reg.Exists("11111111") {
		t.Errorf("live session dropped")
	}
	if len(orphans) != 1 || orphans[0].Thread != "T2" {
		t.Fatalf("orphans = %+v, want one with thread T2", orphans)
	}

	c.FinishStartup(t.Context(), orphans)
	deletes := fn.CallsOf("DeleteThread")
	if len(deletes) != 1 || deletes[0].Thread != "T2" {
		t.Errorf("DeleteThread calls = %+v, want exactly delete(T2)", deletes)
	}
	// Both sessions already carried threads; none is created.
	if n := len(fn.CallsOf("CreateThread")); n != 0 {
		t.Errorf("CreateThread calls = %d, want 0", n)
	}
}

func TestFinishStartupBackfillsAndCreatesMissingThreads(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, registry.Snapshot{Sessions: []registry.Session{
		{ID: "33333333", WorkDir: "/w", Provider: provider.Claude,
			Status: registry.StatusIdle},
	}})

	ad := term.NewFake()
	ad.AddPane("agent-33333333")
	fn := forum.NewFake()
	c := New(Options{
		Config:   &config.Config{Forum: config.ForumConfig{DefaultChat: "c-dev"}},
		Log:      zap.NewNop(),
		Adapter:  ad,
		Notifier: fn,
		StateDir: dir,
	})

	orphans, err := c.PrepareStartup()
	if err != nil {
		t.Fatalf("PrepareStartup: %v", err)
	}
	c.FinishStartup(t.Context(), orphans)

	sess, err := c.Reg.Get("33333333")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ChatID != "c-dev" {
		t.Errorf("chat not backfilled: %q", sess.ChatID)
	}
	if sess.ThreadID == "" {
		t.Errorf("missing thread not created")
	}

	// The thread-id write persisted immediately.
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ThreadID != sess.ThreadID {
		t.Errorf("thread id not persisted: %+v", snap.Sessions)
	}
}

func TestServeExitsUnavailableWhenPortHeld(t *testing.T) {
	// Another instance holds the port.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lis.Close() //nolint:errcheck // test listener
	addr := lis.Addr().(*net.TCPAddr)

	dir := t.TempDir()
	writeSnapshot(t, dir, registry.Snapshot{Sessions: []registry.Session{
		{ID: "44444444", WorkDir: "/w", Provider: provider.Claude,
			Status: registry.StatusIdle, ChatID: "C"},
	}})

	fn := forum.NewFake()
	c := New(Options{
		Config: &config.Config{
			Server: config.ServerConfig{Host: "127.0.0.1", Port: addr.Port},
		},
		Log:      zap.NewNop(),
		Adapter:  term.NewFake(),
		Notifier: fn,
		StateDir: dir,
	})

	code := c.Serve(t.Context(), http.NewServeMux())
	if code != ExitUnavailable {
		t.Fatalf("exit code = %d, want %d", code, ExitUnavailable)
	}
	// The session missing its thread id never triggered a create.
	if n := len(fn.CallsOf("CreateThread")); n != 0 {
		t.Errorf("CreateThread observed from an instance that failed to bind")
	}
}

func TestDeleteSessionCascade(t *testing.T) {
	f := newFixture(t, &config.Config{Forum: config.ForumConfig{DefaultChat: "c"}})
	parent, err := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	child, err := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w", ParentID: parent.ID})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if err := f.c.Locks.Lock("/w", child.ID, "editing"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Stranger may not kill.
	stranger, _ := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w"})
	if err := f.c.DeleteSession(t.Context(), stranger.ID, child.ID); err == nil {
		t.Fatalf("stranger deleted the child")
	}

	if err := f.c.DeleteSession(t.Context(), parent.ID, child.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if f.c.Reg.Exists(child.ID) {
		t.Errorf("session survived kill")
	}
	if live, _ := f.ad.HasPane(child.PaneName()); live {
		t.Errorf("pane survived kill")
	}
	if _, held := f.c.Locks.OwnerOf("/w"); held {
		t.Errorf("workspace lock survived kill")
	}
	if n := len(f.fn.CallsOf("CloseThread")); n != 1 {
		t.Errorf("CloseThread calls = %d, want 1", n)
	}
}

func TestHookStopMarksIdle(t *testing.T) {
	f := newFixture(t, nil)
	sess, err := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.c.HandleHook(t.Context(), HookEvent{SessionID: sess.ID, Kind: HookStop})
	got, _ := f.c.Reg.Get(sess.ID)
	if got.Status != registry.StatusIdle {
		t.Errorf("status after stop hook = %s, want IDLE", got.Status)
	}
	if !f.c.Queue.IsIdle(sess.ID) {
		t.Errorf("delivery state not idle after stop hook")
	}
}

func TestHookPreToolUseMarksRunning(t *testing.T) {
	f := newFixture(t, nil)
	sess, err := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.c.HandleHook(t.Context(), HookEvent{
		SessionID: sess.ID, Kind: HookPreToolUse, ToolName: "Bash",
		ToolInput: json.RawMessage(`{"command":"ls"}`),
	})
	got, _ := f.c.Reg.Get(sess.ID)
	if got.Status != registry.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
	if f.c.Queue.IsIdle(sess.ID) {
		t.Errorf("delivery state idle after pre-tool-use")
	}
}

func TestHookCompactionFlag(t *testing.T) {
	f := newFixture(t, nil)
	sess, err := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.c.HandleHook(t.Context(), HookEvent{SessionID: sess.ID, Kind: HookPreCompact})
	got, _ := f.c.Reg.Get(sess.ID)
	if !got.IsCompacting {
		t.Errorf("pre-compact did not set the flag")
	}
	f.c.HandleHook(t.Context(), HookEvent{SessionID: sess.ID, Kind: HookSessionStartAfterCompact})
	got, _ = f.c.Reg.Get(sess.ID)
	if got.IsCompacting {
		t.Errorf("post-compact did not clear the flag")
	}
}

func TestHookUnknownSessionIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	// Must not panic and must not create state.
	f.c.HandleHook(t.Context(), HookEvent{SessionID: "deadbeef", Kind: HookPreToolUse})
	f.c.HandleHook(t.Context(), HookEvent{Kind: HookStop})
}

func TestReadTranscriptTail(t *testing.T) {
	f := newFixture(t, nil)
	lines := []string{
		`{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first reply"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"final reply"}]}}`,
		`not json`,
	}
	path := "/transcripts/t.jsonl"
	if err := f.fs.WriteFile(path, []byte(joinLines(lines)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got := f.c.readTranscriptTail(path); got != "final reply" {
		t.Errorf("readTranscriptTail = %q, want %q", got, "final reply")
	}
	if got := f.c.readTranscriptTail("/missing"); got != "" {
		t.Errorf("missing transcript returned %q", got)
	}
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

func TestClearSessionArmsFenceAndSendsClear(t *testing.T) {
	f := newFixture(t, nil)
	sess, err := f.c.Reg.Create(t.Context(), registry.CreateParams{WorkDir: "/w"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.c.ClearSession("", sess.ID); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}

	sent := false
	for _, c := range f.ad.CallsSnapshot() {
		if c.Method == "SendText" && c.Text == "/clear" {
			sent = true
		}
	}
	if !sent {
		t.Errorf("/clear keystroke not sent")
	}

	// The armed fence absorbs the next stop hook.
	f.c.Queue.MarkSessionIdle(sess.ID, true, "")
	if f.c.Queue.IsIdle(sess.ID) {
		t.Errorf("stop hook after clear was not absorbed")
	}
	// Allow the absorbed hook's delivery pass to finish before teardown.
	time.Sleep(10 * time.Millisecond)
}

func TestInstanceLockExcludesSecondCoordinator(t *testing.T) {
	dir := t.TempDir()
	a := New(Options{Log: zap.NewNop(), Adapter: term.NewFake(),
		Notifier: forum.NewFake(), StateDir: dir})
	if err := a.AcquireInstanceLock(); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer a.ReleaseInstanceLock()

	b := New(Options{Log: zap.NewNop(), Adapter: term.NewFake(),
		Notifier: forum.NewFake(), StateDir: dir})
	if err := b.AcquireInstanceLock(); err == nil {
		b.ReleaseInstanceLock()
		t.Fatalf("second coordinator acquired the instance lock")
	}
}
