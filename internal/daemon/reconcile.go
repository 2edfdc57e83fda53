package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/registry"
)

// orphanThread is a (chat, thread) pair whose session died while the
// coordinator was down. Collected before the port bind, deleted after.
type orphanThread struct {
	Chat   string
	Thread string
}

// PrepareStartup loads the snapshot and validates each session's pane.
// Dead sessions are dropped from the registry and their threads are
// collected for post-bind deletion. No external side effect happens
// here.
func (c *Coordinator) PrepareStartup() ([]orphanThread, error) {
	if err := c.Reg.LoadSnapshot(); err != nil {
		return nil, err
	}

	var orphans []orphanThread
	for _, sess := range c.Reg.List() {
		live, err := c.Adapter.HasPane(sess.PaneName())
		if err != nil {
			c.Log.Warn("validating pane", zap.String("session", sess.ID), zap.Error(err))
			continue // keep the session; the monitor will sort it out
		}
		if live {
			continue
		}
		c.Log.Info("dropping dead session", zap.String("session", sess.ID))
		if sess.ChatID != "" && sess.ThreadID != "" {
			orphans = append(orphans, orphanThread{Chat: sess.ChatID, Thread: sess.ThreadID})
		}
		if err := c.Reg.Delete(sess.ID); err != nil {
			c.Log.Warn("dropping dead session", zap.String("session", sess.ID), zap.Error(err))
		}
	}
	return orphans, nil
}

// FinishStartup runs the side-effecting half of reconciliation. It must
// only be called after the RPC port is bound: orphan thread deletion,
// chat-id backfill, missing-thread creation, deferred recovery flush,
// and scheduler task resumption.
func (c *Coordinator) FinishStartup(ctx context.Context, orphans []orphanThread) {
	for _, o := range orphans {
		if err := c.Notifier.DeleteThread(ctx, o.Chat, o.Thread); err != nil {
			c.Log.Warn("deleting orphan thread",
				zap.String("chat", o.Chat), zap.String("thread", o.Thread), zap.Error(err))
		}
	}

	c.Reg.BackfillChat(c.Cfg.Forum.DefaultChat)

	// Sessions with a chat but no thread get one now. Thread-id
	// mutations persist immediately.
	for _, sess := range c.Reg.List() {
		if sess.ChatID == "" || sess.ThreadID != "" {
			continue
		}
		thread, err := c.Notifier.CreateThread(ctx, sess.ChatID, sess.DisplayName())
		if err != nil {
			c.Log.Warn("creating missing thread", zap.String("session", sess.ID), zap.Error(err))
			continue
		}
		if err := c.Reg.Mutate(sess.ID, func(s *registry.Session) error {
			s.ThreadID = thread
			return nil
		}); err != nil {
			c.Log.Warn("storing thread id", zap.String("session", sess.ID), zap.Error(err))
		}
	}

	for _, sess := range c.Reg.List() {
		if c.Recovery.Pending(sess.ID) {
			c.Recovery.FlushPending(sess.ID)
		}
	}

	c.Queue.ResumeWakeTasks()
	c.ResumeReminders()
}

// ResumeReminders restarts reminder tasks for persisted registrations.
func (c *Coordinator) ResumeReminders() {
	for _, reg := range c.Reg.Reminders() {
		if !c.Reg.Exists(reg.ChildID) {
			continue
		}
		if err := c.Queue.RegisterRemind(reg.ChildID,
			time.Duration(reg.SoftSecs)*time.Second,
			time.Duration(reg.HardSecs)*time.Second); err != nil {
			c.Log.Warn("resuming reminder", zap.String("session", reg.ChildID), zap.Error(err))
		}
	}
}
