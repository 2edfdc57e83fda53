package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/forum"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/telemetry"
	"github.com/fleetd/fleetd/internal/term"
)

// Common errors.
var (
	// ErrNotFound is returned for operations targeting an unknown session.
	ErrNotFound = errors.New("session not found")
	// ErrNotPermitted is returned when parent-scoped authorization fails.
	ErrNotPermitted = errors.New("not permitted")
)

// SessionIDEnv is the environment variable set inside each pane so hook
// callbacks can identify their owning session.
const SessionIDEnv = "COORD_SESSION_ID"

// Registry is the in-memory session table plus its persisted snapshot.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reminds  map[string]*RemindRegistration       // child id → registration
	wakes    map[string]*ParentWakeRegistration   // registration id → registration
	emTopic  *EMTopic

	adapter     term.Adapter
	notifier    forum.Notifier
	rec         events.Recorder
	log         *zap.Logger
	snap        *snapshotter
	defaultChat string
}

// Options configures a Registry.
type Options struct {
	Adapter      term.Adapter
	Notifier     forum.Notifier
	Recorder     events.Recorder
	Log          *zap.Logger
	SnapshotPath string
	DefaultChat  string
}

// New returns an empty Registry. Call [Registry.LoadSnapshot] before use
// when resuming from a previous run.
func New(opts Options) *Registry {
	rec := opts.Recorder
	if rec == nil {
		rec = events.Discard
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		reminds:  make(map[string]*RemindRegistration),
		wakes:    make(map[string]*ParentWakeRegistration),
		adapter:  opts.Adapter,
		notifier: opts.Notifier,
		rec:      rec,
		log:      log,
		snap:     newSnapshotter(opts.SnapshotPath),
		defaultChat: opts.DefaultChat,
	}
}

// CreateParams are the inputs to [Registry.Create].
type CreateParams struct {
	WorkDir      string
	FriendlyName string
	ParentID     string
	Provider     provider.Name
	ChatID       string
	SpawnPrompt  string
}

// Create allocates a fresh session, materializes its pane, sets the
// identity environment variable, creates the forum thread when the
// session has a chat id, and persists the snapshot.
func (r *Registry) Create(ctx context.Context, p CreateParams) (Session, error) {
	if p.WorkDir == "" {
		return Session{}, fmt.Errorf("working directory is required")
	}
	prov := p.Provider
	if prov == "" {
		prov = provider.DefaultName
	}
	caps, err := provider.Lookup(prov)
	if err != nil {
		return Session{}, err
	}

	id, err := r.allocateID()
	if err != nil {
		return Session{}, err
	}

	s := &Session{
		ID:           id,
		FriendlyName: p.FriendlyName,
		WorkDir:      p.WorkDir,
		Provider:     prov,
		ParentID:     p.ParentID,
		Status:       StatusCreated,
		SpawnPrompt:  p.SpawnPrompt,
		CreatedAt:    time.Now().UTC(),
	}

	// Chat id is always set: caller-provided, else the configured default.
	s.ChatID = p.ChatID
	if s.ChatID == "" {
		s.ChatID = r.defaultChat
	}

	env := map[string]string{
		SessionIDEnv: id,
		// Provider workaround: tool search breaks keystroke injection.
		"ENABLE_TOOL_SEARCH": "false",
	}
	if err := r.adapter.CreatePane(s.PaneName(), p.WorkDir, caps.LaunchCommand, env); err != nil {
		return Session{}, fmt.Errorf("creating pane: %w", err)
	}
	// Set in the pane environment too so respawned processes inherit it.
	if err := r.adapter.SetEnv(s.PaneName(), SessionIDEnv, id); err != nil {
		r.log.Warn("setting pane identity", zap.String("session", id), zap.Error(err))
	}

	r.ensureThread(ctx, s)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if err := r.Persist(); err != nil {
		r.log.Warn("persisting snapshot after create", zap.Error(err))
	}
	r.rec.Record(events.Event{Type: events.SessionCreated, Actor: p.ParentID, Subject: id})
	telemetry.RecordSessionCreate(ctx, id, string(prov), nil)
	return *s, nil
}

// ensureThread applies the thread-creation policy: reuse an inherited
// thread id when present, otherwise create one. Forum failures are
// logged and never abort session creation.
func (r *Registry) ensureThread(ctx context.Context, s *Session) {
	if s.ChatID == "" || s.ThreadID != "" {
		return
	}
	title := s.DisplayName()
	if s.FriendlyName == "" {
		title = "agent " + s.ID
	}
	thread, err := r.notifier.CreateThread(ctx, s.ChatID, title)
	if err != nil {
		r.log.Warn("creating forum thread", zap.String("session", s.ID), zap.Error(err))
		return
	}
	s.ThreadID = thread
}

// allocateID draws uniform random 8-hex identifiers until one is free.
func (r *Registry) allocateID() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for range 16 {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("allocating session id: %w", err)
		}
		id := hex.EncodeToString(b[:])
		if _, taken := r.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("session id space exhausted")
}

// Get returns a copy of the session with the given id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// Exists reports whether a session with the given id exists.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// List returns copies of all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Children returns copies of all sessions whose parent is id.
func (r *Registry) Children(id string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.ParentID == id {
			out = append(out, *s)
		}
	}
	return out
}

// Mutate applies fn to the session under the registry lock and persists
// the snapshot. fn returning an error aborts without persisting.
func (r *Registry) Mutate(id string, fn func(*Session) error) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if err := fn(s); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	return r.Persist()
}

// MutateRuntime applies fn under the lock without persisting. Used for
// runtime-only fields (compaction flag, awaiting-permission, cached
// output) that never appear in the snapshot.
func (r *Registry) MutateRuntime(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

// MarkActive transitions a session to RUNNING and stamps the last tool
// call. Called on pre-tool-use hooks and before watcher registration.
func (r *Registry) MarkActive(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	changed := s.Status != StatusRunning
	s.Status = StatusRunning
	s.LastToolCall = time.Now().UTC()
	r.mu.Unlock()
	if changed {
		r.rec.Record(events.Event{Type: events.SessionRunning, Subject: id})
	}
	return nil
}

// SetStatus transitions a session's lifecycle status.
func (r *Registry) SetStatus(id string, st Status) error {
	return r.Mutate(id, func(s *Session) error {
		s.Status = st
		return nil
	})
}

// SetStatusText records agent-reported status text with a timestamp.
func (r *Registry) SetStatusText(id, text string) error {
	return r.Mutate(id, func(s *Session) error {
		s.StatusText = text
		s.StatusTextAt = time.Now().UTC()
		return nil
	})
}

// Rename sets the friendly name.
func (r *Registry) Rename(id, name string) error {
	err := r.Mutate(id, func(s *Session) error {
		s.FriendlyName = name
		return nil
	})
	if err == nil {
		r.rec.Record(events.Event{Type: events.SessionRenamed, Subject: id, Message: name})
	}
	return err
}

// SetEM flips the EM role flag. Promoting a session to EM inherits the
// persisted EM topic (chat, thread) so the handoff reuses the prior EM
// thread; the topic is updated to this session's thread afterwards.
func (r *Registry) SetEM(id string, isEM bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	s.IsEM = isEM
	if isEM {
		if r.emTopic != nil && s.ThreadID == "" {
			s.ChatID = r.emTopic.Chat
			s.ThreadID = r.emTopic.Thread
		}
		if s.ChatID != "" && s.ThreadID != "" {
			r.emTopic = &EMTopic{Chat: s.ChatID, Thread: s.ThreadID}
		}
	}
	r.mu.Unlock()
	return r.Persist()
}

// BackfillChat sets the chat id on sessions missing one. Thread ids are
// created separately by the startup reconciler.
func (r *Registry) BackfillChat(defaultChat string) {
	if defaultChat == "" {
		return
	}
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.ChatID == "" {
			s.ChatID = defaultChat
		}
	}
	r.mu.Unlock()
}

// Delete removes the session from the table and persists. Cascade
// cleanup (queue, reminders, pane, thread) is the coordinator's job —
// see daemon.DeleteSession.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	delete(r.reminds, id)
	for wid, w := range r.wakes {
		if w.ChildID == id {
			delete(r.wakes, wid)
		}
	}
	r.mu.Unlock()
	r.rec.Record(events.Event{Type: events.SessionDeleted, Subject: id})
	telemetry.RecordSessionDelete(context.Background(), id, "deleted")
	return r.Persist()
}

// Authorize checks parent-scoped authorization for destructive
// operations: caller may target t only when t.parent = caller or the
// caller is the operator (empty caller id). Fails closed on unknown
// callers.
func (r *Registry) Authorize(callerID, targetID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[targetID]
	if !ok {
		return ErrNotFound
	}
	if callerID == "" {
		return nil // operator
	}
	if _, ok := r.sessions[callerID]; !ok {
		return ErrNotPermitted // unknown caller: fail closed
	}
	if t.ParentID != callerID {
		return ErrNotPermitted
	}
	return nil
}

// EMTopicValue returns the persisted EM topic, if any.
func (r *Registry) EMTopicValue() (EMTopic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.emTopic == nil {
		return EMTopic{}, false
	}
	return *r.emTopic, true
}

// Notifier returns the forum notifier the registry was built with.
func (r *Registry) Notifier() forum.Notifier {
	return r.notifier
}

// Adapter returns the terminal adapter the registry was built with.
func (r *Registry) Adapter() term.Adapter {
	return r.adapter
}
