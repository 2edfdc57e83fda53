package queue

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/registry"
)

// promptDetectionsRequired is the consecutive-poll threshold for
// prompt-signature idle detection. A single detection can be a prompt
// briefly rendered mid-turn; two in a row is the agent parked on it.
const promptDetectionsRequired = 2

// Watch starts a polling task that fires an "idle" or "timeout" message
// to the watcher session. Returns immediately.
func (q *Queue) Watch(targetID, watcherID string, timeout time.Duration) {
	go q.watchLoop(targetID, watcherID, timeout)
}

func (q *Queue) watchLoop(targetID, watcherID string, timeout time.Duration) {
	poll := q.cfg.Timing.WatchPollDuration()
	deadline := q.now().Add(timeout)
	consecutive := 0

	for {
		if timeout > 0 && q.now().After(deadline) {
			q.fireWatch(targetID, watcherID, "timeout")
			return
		}

		sess, err := q.reg.Get(targetID)
		if err != nil {
			// Target deleted while watched: report as idle so the
			// watcher unblocks.
			q.fireWatch(targetID, watcherID, "idle")
			return
		}

		// A session with no pane has nothing left to finish.
		if live, perr := q.ad.HasPane(sess.PaneName()); perr == nil && !live {
			q.fireWatch(targetID, watcherID, "idle")
			return
		}

		if q.pollOnce(sess, &consecutive) {
			q.fireWatch(targetID, watcherID, "idle")
			return
		}

		time.Sleep(poll)
	}
}

// pollOnce runs one watcher poll phase sequence. consecutive tracks
// prompt-signature detections across polls.
func (q *Queue) pollOnce(sess registry.Session, consecutive *int) bool {
	idle := q.IsIdle(sess.ID)
	caps := sess.Capabilities()

	if !idle {
		// codex-tmux parks on a prompt signature; require two
		// consecutive detections before trusting it. Other providers
		// fall back to the session status.
		if sess.Provider == provider.CodexTmux {
			if q.paneShowsPrompt(sess.PaneName(), caps.PromptSignature) {
				*consecutive++
				return *consecutive >= promptDetectionsRequired
			}
			*consecutive = 0
			return false
		}
		return sess.Status == registry.StatusIdle
	}

	// Delivery state says idle. Pending messages mean a delivery may be
	// about to flip it back; use the pane as a two-consecutive
	// tiebreaker. With an empty queue a single clean prompt suffices.
	if len(q.Pending(sess.ID)) > 0 {
		if q.paneShowsPrompt(sess.PaneName(), caps.PromptSignature) {
			*consecutive++
			return *consecutive >= promptDetectionsRequired
		}
		*consecutive = 0
		return false
	}
	return q.paneShowsPrompt(sess.PaneName(), caps.PromptSignature)
}

// paneShowsPrompt reports whether the pane's last non-empty line is a
// prompt. Capture errors suppress the poll (return false) rather than
// firing a false idle.
func (q *Queue) paneShowsPrompt(pane, signature string) bool {
	if signature == "" {
		signature = "> "
	}
	out, err := q.ad.Capture(pane, captureLines)
	if err != nil {
		return false
	}
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(trimmed, strings.TrimSpace(signature)) || trimmed == strings.TrimSpace(signature)
	}
	return false
}

// fireWatch queues the result message to the watcher.
func (q *Queue) fireWatch(targetID, watcherID, result string) {
	if !q.reg.Exists(watcherID) {
		q.log.Warn("watcher vanished before fire",
			zap.String("target", targetID), zap.String("watcher", watcherID))
		return
	}
	name := targetID
	if t, err := q.reg.Get(targetID); err == nil {
		name = t.DisplayName()
	}
	q.Enqueue(EnqueueParams{
		TargetID:   watcherID,
		SenderID:   targetID,
		SenderName: name,
		Text:       "[watch] " + name + ": " + result,
		Mode:       Sequential,
	})
}
