package queue

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/telemetry"
)

// compactPoll is how often a reminder task re-checks the compaction
// flag while bounded-waiting.
const compactPoll = 5 * time.Second

// remindTask is one running reminder goroutine.
type remindTask struct {
	resetCh chan struct{}
	stopCh  chan struct{}
}

// RegisterRemind installs the at-most-one periodic status reminder for
// a child session and starts its task. Zero periods take the configured
// defaults.
func (q *Queue) RegisterRemind(childID string, soft, hard time.Duration) error {
	if soft <= 0 {
		soft = q.cfg.Timing.RemindSoftDuration()
	}
	if hard <= 0 {
		hard = q.cfg.Timing.RemindHardDuration()
	}
	if _, err := q.reg.SetReminder(childID, int(soft.Seconds()), int(hard.Seconds())); err != nil {
		return err
	}

	q.tasksMu.Lock()
	if old, ok := q.remindTasks[childID]; ok {
		close(old.stopCh)
	}
	t := &remindTask{resetCh: make(chan struct{}, 1), stopCh: make(chan struct{})}
	q.remindTasks[childID] = t
	q.tasksMu.Unlock()

	go q.remindLoop(childID, soft, hard, t)
	return nil
}

// ResetRemind restarts the reminder timer; called when the child
// reports status. A session-start-after-compact hook resets it too so
// compaction time is not billed against the child.
func (q *Queue) ResetRemind(childID string) {
	q.tasksMu.Lock()
	t, ok := q.remindTasks[childID]
	q.tasksMu.Unlock()
	if !ok {
		return
	}
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

// CancelRemind deactivates the child's reminder and stops its task.
// Idempotent.
func (q *Queue) CancelRemind(childID string) {
	if err := q.reg.CancelReminder(childID); err != nil {
		q.log.Warn("cancelling reminder", zap.String("session", childID), zap.Error(err))
	}
	q.tasksMu.Lock()
	if t, ok := q.remindTasks[childID]; ok {
		close(t.stopCh)
		delete(q.remindTasks, childID)
	}
	q.tasksMu.Unlock()
}

func (q *Queue) remindLoop(childID string, soft, hard time.Duration, t *remindTask) {
	for {
		fired, ok := q.remindSleep(soft, t)
		if !ok {
			return
		}
		if !fired {
			continue // reset: start the soft window over
		}

		if !q.registrationActive(childID) {
			return
		}
		q.waitOutCompaction(childID, t.stopCh)

		q.sendReminder(childID,
			`[remind] Update your status: fleet status "message" — or if done: fleet task-complete`)

		fired, ok = q.remindSleep(hard-soft, t)
		if !ok {
			return
		}
		if !fired {
			continue // status arrived during the hard window
		}

		if !q.registrationActive(childID) {
			return
		}
		q.waitOutCompaction(childID, t.stopCh)
		q.sendReminder(childID, "[remind] Status overdue.")
		_ = q.reg.CancelReminder(childID)
		return
	}
}

// remindSleep sleeps d, returning (true, true) on expiry, (false, true)
// on a timer reset, and (_, false) on task stop.
func (q *Queue) remindSleep(d time.Duration, t *remindTask) (fired, alive bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, true
	case <-t.resetCh:
		return false, true
	case <-t.stopCh:
		return false, false
	}
}

func (q *Queue) registrationActive(childID string) bool {
	reg, ok := q.reg.Reminder(childID)
	return ok && reg.Active && q.reg.Exists(childID)
}

// waitOutCompaction bounded-waits while the child is compacting so the
// reminder does not land mid-compaction and get lost.
func (q *Queue) waitOutCompaction(childID string, stopCh <-chan struct{}) {
	limit := q.cfg.Timing.CompactWaitCapDuration()
	deadline := q.now().Add(limit)
	for q.now().Before(deadline) {
		sess, err := q.reg.Get(childID)
		if err != nil || !sess.IsCompacting {
			return
		}
		select {
		case <-stopCh:
			return
		case <-time.After(compactPoll):
		}
	}
}

func (q *Queue) sendReminder(childID, text string) {
	q.Enqueue(EnqueueParams{
		TargetID:   childID,
		SenderName: "coordinator",
		Text:       text,
		Mode:       Important,
	})
	stage := "soft"
	if strings.Contains(text, "overdue") {
		stage = "hard"
	}
	q.rec.Record(events.Event{Type: events.RemindFired, Subject: childID, Message: stage})
	telemetry.RecordRemind(context.Background(), childID, stage)
}

// TaskComplete handles a child declaring its work done: the EM is
// resolved first (the parent-wake row must still exist for the lookup),
// then reminders and parent-wake are cancelled, and one IMPORTANT
// notice goes to the EM.
func (q *Queue) TaskComplete(childID string) error {
	child, err := q.reg.Get(childID)
	if err != nil {
		return err
	}

	// EM lookup: active parent-wake row first, then the session parent.
	emID := ""
	if wake, ok := q.reg.ParentWakeFor(childID); ok {
		emID = wake.ParentID
	} else if child.ParentID != "" {
		emID = child.ParentID
	}

	q.CancelRemind(childID)
	q.CancelParentWake(childID)

	if err := q.reg.Mutate(childID, func(s *registry.Session) error {
		s.Completion = registry.CompletionCompleted
		return nil
	}); err != nil {
		q.log.Warn("recording completion", zap.String("session", childID), zap.Error(err))
	}

	if emID != "" && q.reg.Exists(emID) {
		q.Enqueue(EnqueueParams{
			TargetID:   emID,
			SenderID:   childID,
			SenderName: child.DisplayName(),
			Text:       "[task-complete] " + child.DisplayName() + " reports its task complete",
			Mode:       Important,
		})
	}
	return nil
}
