package registry

import (
	"time"

	"github.com/google/uuid"
)

// SetReminder installs (or replaces) the reminder registration for a
// child session. At most one exists per child.
func (r *Registry) SetReminder(childID string, softSecs, hardSecs int) (RemindRegistration, error) {
	r.mu.Lock()
	if _, ok := r.sessions[childID]; !ok {
		r.mu.Unlock()
		return RemindRegistration{}, ErrNotFound
	}
	reg := &RemindRegistration{
		ChildID:   childID,
		SoftSecs:  softSecs,
		HardSecs:  hardSecs,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	r.reminds[childID] = reg
	r.mu.Unlock()
	return *reg, r.Persist()
}

// Reminder returns the reminder registration for a child, if any.
func (r *Registry) Reminder(childID string) (RemindRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.reminds[childID]
	if !ok {
		return RemindRegistration{}, false
	}
	return *reg, true
}

// CancelReminder deactivates the child's reminder. Idempotent.
func (r *Registry) CancelReminder(childID string) error {
	r.mu.Lock()
	reg, ok := r.reminds[childID]
	if !ok || !reg.Active {
		r.mu.Unlock()
		return nil
	}
	reg.Active = false
	r.mu.Unlock()
	return r.Persist()
}

// Reminders returns all active reminder registrations.
func (r *Registry) Reminders() []RemindRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RemindRegistration
	for _, reg := range r.reminds {
		if reg.Active {
			out = append(out, *reg)
		}
	}
	return out
}

// AddParentWake registers a periodic digest from child to parent.
func (r *Registry) AddParentWake(childID, parentID string, periodSecs int) (ParentWakeRegistration, error) {
	r.mu.Lock()
	if _, ok := r.sessions[childID]; !ok {
		r.mu.Unlock()
		return ParentWakeRegistration{}, ErrNotFound
	}
	reg := &ParentWakeRegistration{
		ID:           uuid.NewString(),
		ChildID:      childID,
		ParentID:     parentID,
		PeriodSecs:   periodSecs,
		RegisteredAt: time.Now().UTC(),
		Active:       true,
	}
	r.wakes[reg.ID] = reg
	r.mu.Unlock()
	return *reg, r.Persist()
}

// ParentWakeFor returns the active parent-wake registration for a
// child, if any. Used both by the wake scheduler and by EM lookup for
// task-complete, which must resolve the parent before cancellation.
func (r *Registry) ParentWakeFor(childID string) (ParentWakeRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.wakes {
		if reg.ChildID == childID && reg.Active {
			return *reg, true
		}
	}
	return ParentWakeRegistration{}, false
}

// UpdateParentWake applies fn to a registration under the lock and
// persists. Missing ids are a no-op.
func (r *Registry) UpdateParentWake(id string, fn func(*ParentWakeRegistration)) error {
	r.mu.Lock()
	reg, ok := r.wakes[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	fn(reg)
	r.mu.Unlock()
	return r.Persist()
}

// CancelParentWake deactivates every registration for the child.
// Idempotent.
func (r *Registry) CancelParentWake(childID string) error {
	r.mu.Lock()
	changed := false
	for _, reg := range r.wakes {
		if reg.ChildID == childID && reg.Active {
			reg.Active = false
			changed = true
		}
	}
	r.mu.Unlock()
	if !changed {
		return nil
	}
	return r.Persist()
}

// ParentWakes returns all active parent-wake registrations.
func (r *Registry) ParentWakes() []ParentWakeRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ParentWakeRegistration
	for _, reg := range r.wakes {
		if reg.Active {
			out = append(out, *reg)
		}
	}
	return out
}
