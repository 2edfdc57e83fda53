package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/telemetry"
)

// digestToolEvents is how many recent tool calls a wake digest includes.
const digestToolEvents = 5

// wakeTask is one running parent-wake goroutine.
type wakeTask struct {
	stopCh chan struct{}
}

// RegisterParentWake starts a periodic digest from child to parent.
func (q *Queue) RegisterParentWake(childID, parentID string, period time.Duration) error {
	reg, err := q.reg.AddParentWake(childID, parentID, int(period.Seconds()))
	if err != nil {
		return err
	}
	q.startWakeTask(reg)
	return nil
}

// startWakeTask launches the scheduler goroutine for a registration.
// Also used by the startup reconciler to resume persisted registrations.
func (q *Queue) startWakeTask(reg registry.ParentWakeRegistration) {
	q.tasksMu.Lock()
	if old, ok := q.wakeTasks[reg.ID]; ok {
		close(old.stopCh)
	}
	t := &wakeTask{stopCh: make(chan struct{})}
	q.wakeTasks[reg.ID] = t
	q.tasksMu.Unlock()

	go q.wakeLoop(reg.ID, reg.ChildID, reg.ParentID,
		time.Duration(reg.PeriodSecs)*time.Second, t)
}

// ResumeWakeTasks starts tasks for every active persisted registration.
func (q *Queue) ResumeWakeTasks() {
	for _, reg := range q.reg.ParentWakes() {
		q.startWakeTask(reg)
	}
}

// CancelParentWake deactivates all of the child's registrations and
// stops their tasks. Idempotent.
func (q *Queue) CancelParentWake(childID string) {
	// Resolve the active registration before deactivating it; the task
	// map is keyed by registration id.
	wake, had := q.reg.ParentWakeFor(childID)
	if err := q.reg.CancelParentWake(childID); err != nil {
		q.log.Warn("cancelling parent wake", zap.String("session", childID), zap.Error(err))
	}
	if !had {
		return
	}
	q.tasksMu.Lock()
	if t, ok := q.wakeTasks[wake.ID]; ok {
		close(t.stopCh)
		delete(q.wakeTasks, wake.ID)
	}
	q.tasksMu.Unlock()
}

func (q *Queue) wakeLoop(regID, childID, parentID string, period time.Duration, t *wakeTask) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		}

		wake, ok := q.reg.ParentWakeFor(childID)
		if !ok || wake.ID != regID {
			return // cancelled or superseded
		}
		if !q.reg.Exists(parentID) {
			_ = q.reg.CancelParentWake(childID)
			return
		}

		digest, statusAt := q.buildDigest(childID, wake)
		q.Enqueue(EnqueueParams{
			TargetID:   parentID,
			SenderID:   childID,
			SenderName: q.displayName(childID),
			Text:       digest,
			Mode:       Important,
		})
		q.rec.Record(events.Event{Type: events.ParentWake, Actor: childID, Subject: parentID})
		telemetry.RecordParentWake(context.Background(), childID, parentID)

		escalated := !statusAt.IsZero() && statusAt.Equal(wake.LastStatusAtWake)
		if err := q.reg.UpdateParentWake(regID, func(w *registry.ParentWakeRegistration) {
			w.LastWakeAt = q.now().UTC()
			w.LastStatusAtWake = statusAt
			w.Escalated = escalated
		}); err != nil {
			q.log.Warn("updating parent wake", zap.String("registration", regID), zap.Error(err))
		}
	}
}

// buildDigest assembles the periodic child report. All relative ages
// are computed against UTC wall clock: the audit table stores UTC-naive
// timestamps, and local-time comparison yields negative ages on
// westward timezones.
func (q *Queue) buildDigest(childID string, wake registry.ParentWakeRegistration) (string, time.Time) {
	now := time.Now().UTC()
	var b strings.Builder

	sess, err := q.reg.Get(childID)
	if err != nil {
		return "[wake] " + childID + ": session gone", time.Time{}
	}

	fmt.Fprintf(&b, "[wake] %s", sess.DisplayName())
	if wake.Escalated {
		b.WriteString(" (no status update since last wake)")
	}
	b.WriteString("\n")

	if sess.StatusText != "" {
		fmt.Fprintf(&b, "status: %s (%s)\n", sess.StatusText, ageString(sess.StatusTextAt, now))
	} else {
		b.WriteString("status: none reported\n")
	}

	activity := "working"
	if q.IsIdle(childID) || sess.Status == registry.StatusIdle {
		activity = "idle"
	}
	fmt.Fprintf(&b, "activity: %s\n", activity)

	if q.audit != nil {
		entries, err := q.audit.Recent(context.Background(), childID, digestToolEvents)
		if err != nil {
			q.log.Warn("reading audit for digest", zap.String("session", childID), zap.Error(err))
		}
		for _, e := range entries {
			fmt.Fprintf(&b, "tool: %s (%s)\n", e.ToolName, ageString(e.Timestamp, now))
		}
	}

	return strings.TrimRight(b.String(), "\n"), sess.StatusTextAt
}

func (q *Queue) displayName(id string) string {
	if s, err := q.reg.Get(id); err == nil {
		return s.DisplayName()
	}
	return id
}

// ageString renders "Nm ago" / "Ns ago" relative ages. Both arguments
// must be UTC.
func ageString(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm ago", int(d.Hours()), int(d.Minutes())%60)
}
