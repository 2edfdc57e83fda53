package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/daemon"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/fsys"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/term"
)

type fixture struct {
	c      *daemon.Coordinator
	ad     *term.Fake
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ad := term.NewFake()
	c := daemon.New(daemon.Options{
		Config: &config.Config{Timing: config.TimingConfig{
			InputPollInterval: "5ms",
			InputStaleTimeout: "25ms",
			DeliverySettle:    "1ms",
			UrgentSettle:      "1ms",
		}},
		Log:      zap.NewNop(),
		Adapter:  ad,
		Notifier: forum.NewFake(),
		Hub:      events.NewHub(events.NewFake()),
		FS:       fsys.NewFake(),
	})
	return &fixture{c: c, ad: ad, router: NewRouter(c, zap.NewNop())}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createSession(t *testing.T) registry.Session {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions", CreateSessionRequest{WorkingDir: "/w"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	var sess registry.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestCreateGetListDelete(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	if len(sess.ID) != 8 {
		t.Errorf("id = %q, want 8 hex chars", sess.ID)
	}

	w := f.do(t, http.MethodGet, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/sessions", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), sess.ID) {
		t.Errorf("list missing session: %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("operator delete = %d %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodGet, "/sessions/"+sess.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestCreateRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/sessions",
		CreateSessionRequest{WorkingDir: "/w", Provider: "gemini"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown provider = %d, want 400", w.Code)
	}
}

func TestInputQueuesAndDelivers(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)

	// Stop hook: the session is at its prompt.
	f.c.Queue.MarkSessionIdle(sess.ID, true, "")

	w := f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/input", InputRequest{
		Text: "hello", Sender: "f0e1d2c3", SenderName: "alice", Mode: "sequential",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("input = %d %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "queued" || resp["mode"] != "sequential" {
		t.Errorf("response = %v, want queued/sequential", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, text := range f.ad.SentTexts(sess.PaneName()) {
			if strings.Contains(text, "[From alice (f0e1d2c)] hello") {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("keystrokes never reached the pane: %v", f.ad.SentTexts(sess.PaneName()))
}

func TestInputUnknownModeRejected(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	w := f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/input",
		InputRequest{Text: "x", Mode: "shouty"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown mode = %d, want 400", w.Code)
	}
}

func TestInputUnknownSessionNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/sessions/deadbeef/input",
		InputRequest{Text: "x"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", w.Code)
	}
}

func TestDeleteParentScoped(t *testing.T) {
	f := newFixture(t)
	parent := f.createSession(t)
	w := f.do(t, http.MethodPost, "/sessions", CreateSessionRequest{
		WorkingDir: "/w", Parent: parent.ID,
	}, nil)
	var child registry.Session
	if err := json.Unmarshal(w.Body.Bytes(), &child); err != nil {
		t.Fatalf("decode child: %v", err)
	}
	stranger := f.createSession(t)

	w = f.do(t, http.MethodDelete, "/sessions/"+child.ID, nil,
		map[string]string{callerHeader: stranger.ID})
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger delete = %d, want 403", w.Code)
	}
	w = f.do(t, http.MethodDelete, "/sessions/"+child.ID, nil,
		map[string]string{callerHeader: parent.ID})
	if w.Code != http.StatusOK {
		t.Errorf("parent delete = %d %s", w.Code, w.Body.String())
	}
}

func TestTaskCompleteSelfAuth(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	other := f.createSession(t)

	w := f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/task-complete", nil,
		map[string]string{callerHeader: other.ID})
	if w.Code != http.StatusForbidden {
		t.Errorf("other-session task-complete = %d, want 403", w.Code)
	}
	w = f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/task-complete", nil,
		map[string]string{callerHeader: sess.ID})
	if w.Code != http.StatusOK {
		t.Errorf("self task-complete = %d %s", w.Code, w.Body.String())
	}
}

func TestPatchSetsEMFlag(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	em := true
	w := f.do(t, http.MethodPatch, "/sessions/"+sess.ID,
		PatchSessionRequest{IsEM: &em}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d %s", w.Code, w.Body.String())
	}
	got, err := f.c.Reg.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsEM {
		t.Errorf("is-em not set")
	}
}

func TestClearEndpointArmsFence(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	w := f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/clear", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear = %d %s", w.Code, w.Body.String())
	}
	f.c.Queue.MarkSessionIdle(sess.ID, true, "")
	if f.c.Queue.IsIdle(sess.ID) {
		t.Errorf("stop hook after clear not absorbed")
	}
	time.Sleep(10 * time.Millisecond)
}

func TestHookEndpointAlwaysSucceeds(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)

	w := f.do(t, http.MethodPost, "/hooks/agent", map[string]any{
		"session_id": sess.ID, "hook_event_name": "stop",
	}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("stop hook = %d", w.Code)
	}

	// Unknown session and malformed payloads still return 200.
	w = f.do(t, http.MethodPost, "/hooks/agent", map[string]any{
		"session_id": "deadbeef", "hook_event_name": "stop",
	}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("unknown-session hook = %d, want 200", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/hooks/agent",
		strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("malformed hook = %d, want 200", rec.Code)
	}
}

func TestLockEndpoints(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/locks",
		LockRequest{WorkDir: "/w", Owner: "a1b2c3d4", Reason: "migration"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lock = %d %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/locks",
		LockRequest{WorkDir: "/w", Owner: "ffffffff"}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second lock = %d, want 409", w.Code)
	}
	w = f.do(t, http.MethodGet, "/locks", nil, nil)
	if !strings.Contains(w.Body.String(), "a1b2c3d4") {
		t.Errorf("lock listing missing owner: %s", w.Body.String())
	}
	w = f.do(t, http.MethodDelete, "/locks",
		UnlockRequest{WorkDir: "/w", Owner: "a1b2c3d4"}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("unlock = %d", w.Code)
	}
}

func TestWatchReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	target := f.createSession(t)
	watcher := f.createSession(t)
	start := time.Now()
	w := f.do(t, http.MethodPost, "/sessions/"+target.ID+"/watch",
		WatchRequest{Watcher: watcher.ID, TimeoutSecs: 60}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("watch = %d %s", w.Code, w.Body.String())
	}
	if time.Since(start) > time.Second {
		t.Errorf("watch blocked the request")
	}
}

func TestStatusEndpointRecordsText(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	w := f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/status",
		StatusRequest{Text: "migrating schema"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	got, _ := f.c.Reg.Get(sess.ID)
	if got.StatusText != "migrating schema" || got.StatusTextAt.IsZero() {
		t.Errorf("status text not recorded: %+v", got)
	}
}

func TestOutputEndpoint(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t)
	f.ad.CaptureOutput[sess.PaneName()] = "the pane says hi"
	w := f.do(t, http.MethodGet, "/sessions/"+sess.ID+"/output", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "the pane says hi") {
		t.Errorf("output = %d %s", w.Code, w.Body.String())
	}
}
