package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Snapshot is the single-file persisted state of the coordinator.
// All timestamps serialize as RFC 3339 UTC strings.
type Snapshot struct {
	Sessions               []Session                `json:"sessions"`
	EMTopic                *EMTopic                 `json:"em_topic,omitempty"`
	ParentWakeRegistrations []ParentWakeRegistration `json:"parent_wake_registrations"`
	Reminders              []RemindRegistration     `json:"reminders"`
}

// snapshotter serializes snapshot writes behind an advisory file lock so
// a concurrent coordinator instance cannot clobber an update.
type snapshotter struct {
	path string
	lock *flock.Flock
}

func newSnapshotter(path string) *snapshotter {
	if path == "" {
		return &snapshotter{}
	}
	return &snapshotter{path: path, lock: flock.New(path + ".lock")}
}

// Persist writes the current state as one snapshot under the file lock.
// Mutations that set a thread id must call this immediately — there is
// no background writer that would persist the field later.
func (r *Registry) Persist() error {
	if r.snap.path == "" {
		return nil // persistence disabled (tests)
	}

	snap := r.buildSnapshot()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	if err := r.snap.lock.Lock(); err != nil {
		return fmt.Errorf("locking snapshot: %w", err)
	}
	defer r.snap.lock.Unlock() //nolint:errcheck // advisory lock release

	// Atomic replace: write sibling then rename.
	if err := os.MkdirAll(filepath.Dir(r.snap.path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := r.snap.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.snap.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

func (r *Registry) buildSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Sessions:                make([]Session, 0, len(r.sessions)),
		ParentWakeRegistrations: make([]ParentWakeRegistration, 0, len(r.wakes)),
		Reminders:               make([]RemindRegistration, 0, len(r.reminds)),
	}
	for _, s := range r.sessions {
		c := *s
		c.CreatedAt = c.CreatedAt.UTC()
		snap.Sessions = append(snap.Sessions, c)
	}
	for _, w := range r.wakes {
		snap.ParentWakeRegistrations = append(snap.ParentWakeRegistrations, *w)
	}
	for _, reg := range r.reminds {
		snap.Reminders = append(snap.Reminders, *reg)
	}
	snap.EMTopic = r.emTopic
	return snap
}

// LoadSnapshot reads the snapshot file into the registry, replacing any
// in-memory state. A missing file is not an error.
func (r *Registry) LoadSnapshot() error {
	if r.snap.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.snap.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}
	r.Restore(snap)
	return nil
}

// Restore replaces in-memory state with the snapshot contents.
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session, len(snap.Sessions))
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		r.sessions[s.ID] = &s
	}
	r.reminds = make(map[string]*RemindRegistration, len(snap.Reminders))
	for i := range snap.Reminders {
		reg := snap.Reminders[i]
		r.reminds[reg.ChildID] = &reg
	}
	r.wakes = make(map[string]*ParentWakeRegistration, len(snap.ParentWakeRegistrations))
	for i := range snap.ParentWakeRegistrations {
		w := snap.ParentWakeRegistrations[i]
		r.wakes[w.ID] = &w
	}
	r.emTopic = snap.EMTopic
}
