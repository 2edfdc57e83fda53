package registry

import (
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/term"
)

type fixture struct {
	reg *Registry
	ad  *term.Fake
	fn  *forum.Fake
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ad := term.NewFake()
	fn := forum.NewFake()
	opts.Adapter = ad
	opts.Notifier = fn
	if opts.Recorder == nil {
		opts.Recorder = events.NewFake()
	}
	return &fixture{reg: New(opts), ad: ad, fn: fn}
}

func TestCreateAllocatesEightHexID(t *testing.T) {
	f := newFixture(t, Options{})
	sess, err := f.reg.Create(t.Context(), CreateParams{WorkDir: "/work"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(sess.ID) != 8 {
		t.Errorf("id length = %d, want 8", len(sess.ID))
	}
	if _, err := hex.DecodeString(sess.ID); err != nil {
		t.Errorf("id %q is not hex", sess.ID)
	}
	if sess.PaneName() != "agent-"+sess.ID {
		t.Errorf("pane name = %q", sess.PaneName())
	}
	if sess.Status != StatusCreated {
		t.Errorf("status = %s, want CREATED", sess.Status)
	}
	if sess.Provider != provider.Claude {
		t.Errorf("provider = %s, want claude default", sess.Provider)
	}
}

func TestCreateMaterializesPaneWithIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	sess, err := f.reg.Create(t.Context(), CreateParams{WorkDir: "/work"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if live, _ := f.ad.HasPane(sess.PaneName()); !live {
		t.Errorf("pane not created")
	}
	if got := f.ad.Env(sess.PaneName(), SessionIDEnv); got != sess.ID {
		t.Errorf("%s = %q, want %q", SessionIDEnv, got, sess.ID)
	}
}

func TestCreateRequiresWorkDir(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.reg.Create(t.Context(), CreateParams{}); err == nil {
		t.Errorf("Create without workdir succeeded")
	}
}

func TestCreateThreadPolicy(t *testing.T) {
	t.Run("default chat creates thread", func(t *testing.T) {
		f := newFixture(t, Options{DefaultChat: "c-dev"})
		sess, err := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if sess.ChatID != "c-dev" {
			t.Errorf("chat = %q, want default", sess.ChatID)
		}
		if sess.ThreadID == "" {
			t.Errorf("no thread created")
		}
	})
	t.Run("no chat no thread", func(t *testing.T) {
		f := newFixture(t, Options{})
		sess, err := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if sess.ThreadID != "" {
			t.Errorf("thread created without a chat id")
		}
		if len(f.fn.CallsOf("CreateThread")) != 0 {
			t.Errorf("notifier called without a chat id")
		}
	})
	t.Run("forum failure does not abort create", func(t *testing.T) {
		ad := term.NewFake()
		reg := New(Options{Adapter: ad, Notifier: forum.NewFailFake(), DefaultChat: "c-dev"})
		sess, err := reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
		if err != nil {
			t.Fatalf("Create aborted on forum failure: %v", err)
		}
		if sess.ThreadID != "" {
			t.Errorf("thread id set despite forum failure")
		}
	})
}

func TestAuthorizeParentScoped(t *testing.T) {
	f := newFixture(t, Options{})
	parent, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	child, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w", ParentID: parent.ID})
	other, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})

	if err := f.reg.Authorize("", child.ID); err != nil {
		t.Errorf("operator denied: %v", err)
	}
	if err := f.reg.Authorize(parent.ID, child.ID); err != nil {
		t.Errorf("parent denied: %v", err)
	}
	if err := f.reg.Authorize(other.ID, child.ID); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("non-parent allowed: %v", err)
	}
	// Fail closed: unknown caller.
	if err := f.reg.Authorize("deadbeef", child.ID); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("unknown caller allowed: %v", err)
	}
	if err := f.reg.Authorize("", "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing target: %v", err)
	}
}

func TestEMThreadInheritance(t *testing.T) {
	f := newFixture(t, Options{DefaultChat: "c-dev"})
	first, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	if err := f.reg.SetEM(first.ID, true); err != nil {
		t.Fatalf("SetEM: %v", err)
	}
	topic, ok := f.reg.EMTopicValue()
	if !ok {
		t.Fatalf("EM topic not recorded")
	}
	got, _ := f.reg.Get(first.ID)
	if topic.Thread != got.ThreadID {
		t.Errorf("topic thread = %q, want %q", topic.Thread, got.ThreadID)
	}

	// A successor EM without a thread inherits the prior EM thread.
	second := Session{ID: "aaaa1111", WorkDir: "/w", Provider: provider.Claude, Status: StatusCreated}
	f.reg.Restore(Snapshot{Sessions: []Session{got, second}, EMTopic: &topic})
	if err := f.reg.SetEM(second.ID, true); err != nil {
		t.Fatalf("SetEM successor: %v", err)
	}
	inherited, _ := f.reg.Get(second.ID)
	if inherited.ThreadID != topic.Thread || inherited.ChatID != topic.Chat {
		t.Errorf("successor did not inherit EM thread: %+v", inherited)
	}
}

func TestMarkActiveTransitions(t *testing.T) {
	f := newFixture(t, Options{})
	sess, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	if err := f.reg.MarkActive(sess.ID); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	got, _ := f.reg.Get(sess.ID)
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}
	if got.LastToolCall.IsZero() {
		t.Errorf("last tool call not stamped")
	}
}

func TestDeleteCascadesRegistrations(t *testing.T) {
	f := newFixture(t, Options{})
	parent, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	child, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w", ParentID: parent.ID})
	if _, err := f.reg.SetReminder(child.ID, 210, 420); err != nil {
		t.Fatalf("SetReminder: %v", err)
	}
	if _, err := f.reg.AddParentWake(child.ID, parent.ID, 600); err != nil {
		t.Fatalf("AddParentWake: %v", err)
	}

	if err := f.reg.Delete(child.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.reg.Exists(child.ID) {
		t.Errorf("session survived delete")
	}
	if _, ok := f.reg.Reminder(child.ID); ok {
		t.Errorf("reminder survived delete")
	}
	if _, ok := f.reg.ParentWakeFor(child.ID); ok {
		t.Errorf("parent wake survived delete")
	}
}

func TestParentMayReferToAbsentSession(t *testing.T) {
	f := newFixture(t, Options{})
	parent, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	child, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w", ParentID: parent.ID})
	if err := f.reg.Delete(parent.ID); err != nil {
		t.Fatalf("Delete parent: %v", err)
	}
	got, err := f.reg.Get(child.ID)
	if err != nil {
		t.Fatalf("Get child: %v", err)
	}
	if got.ParentID != parent.ID {
		t.Errorf("dangling parent id rewritten: %q", got.ParentID)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture(t, Options{SnapshotPath: path, DefaultChat: "c-dev"})
	sess, err := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w", FriendlyName: "builder"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.reg.SetReminder(sess.ID, 210, 420); err != nil {
		t.Fatalf("SetReminder: %v", err)
	}
	if _, err := f.reg.AddParentWake(sess.ID, "", 600); err != nil {
		t.Fatalf("AddParentWake: %v", err)
	}
	if err := f.reg.SetEM(sess.ID, true); err != nil {
		t.Fatalf("SetEM: %v", err)
	}

	// A second registry reads the same snapshot back.
	g := newFixture(t, Options{SnapshotPath: path})
	if err := g.reg.LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got, err := g.reg.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get after load: %v", err)
	}
	if got.FriendlyName != "builder" || !got.IsEM || got.ChatID != "c-dev" {
		t.Errorf("session fields lost in round trip: %+v", got)
	}
	if reg, ok := g.reg.Reminder(sess.ID); !ok || reg.SoftSecs != 210 || reg.HardSecs != 420 {
		t.Errorf("reminder lost in round trip")
	}
	if _, ok := g.reg.ParentWakeFor(sess.ID); !ok {
		t.Errorf("parent wake lost in round trip")
	}
	if topic, ok := g.reg.EMTopicValue(); !ok || topic.Chat != "c-dev" {
		t.Errorf("EM topic lost in round trip")
	}
}

func TestRuntimeFieldsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture(t, Options{SnapshotPath: path})
	sess, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	if err := f.reg.MutateRuntime(sess.ID, func(s *Session) {
		s.IsCompacting = true
		s.LastOutput = "secret scratch"
	}); err != nil {
		t.Fatalf("MutateRuntime: %v", err)
	}
	if err := f.reg.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	g := newFixture(t, Options{SnapshotPath: path})
	if err := g.reg.LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got, _ := g.reg.Get(sess.ID)
	if got.IsCompacting || got.LastOutput != "" {
		t.Errorf("runtime-only fields leaked into the snapshot: %+v", got)
	}
}

func TestBackfillChat(t *testing.T) {
	f := newFixture(t, Options{})
	sess, _ := f.reg.Create(t.Context(), CreateParams{WorkDir: "/w"})
	f.reg.BackfillChat("c-late")
	got, _ := f.reg.Get(sess.ID)
	if got.ChatID != "c-late" {
		t.Errorf("chat not backfilled: %q", got.ChatID)
	}
}
