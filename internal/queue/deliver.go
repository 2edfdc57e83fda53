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

// captureLines is how much pane scrollback the guard inspects.
const captureLines = 40

// TryDeliver is the single delivery entry point for a session. It is
// idempotent: concurrent invocations produce at most one injection, and
// it returns immediately unless the target's state permits delivery.
func (q *Queue) TryDeliver(id string) {
	q.tryDeliver(id, false)
}

// tryDeliverOnStop is the delivery pass scheduled by an absorbed stop
// hook: the target is still chain-working, so only IMPORTANT (and
// immediate-mode) messages are eligible.
func (q *Queue) tryDeliverOnStop(id string) {
	q.tryDeliver(id, true)
}

func (q *Queue) tryDeliver(id string, importantOK bool) {
	lock := &q.stripes[stripeFor(id)]
	lock.Lock()
	st := q.state(id)
	if st.delivering || len(st.pending) == 0 {
		lock.Unlock()
		return
	}

	batch, rest := q.selectBatch(st, importantOK)
	st.pending = rest
	if len(batch) == 0 {
		lock.Unlock()
		return
	}
	st.delivering = true
	lock.Unlock()

	q.deliverBatch(id, batch)

	lock.Lock()
	st.delivering = false
	more := len(st.pending) > 0
	lock.Unlock()
	if more {
		go q.tryDeliver(id, importantOK)
	}
}

// selectBatch partitions pending messages into a deliverable batch and
// the remainder, honoring mode gates and dropping expired messages.
// Caller holds the stripe lock.
func (q *Queue) selectBatch(st *deliveryState, importantOK bool) (batch, rest []*Message) {
	now := q.now()
	for _, m := range st.pending {
		if m.Deadline != nil && now.After(*m.Deadline) {
			q.log.Warn("dropping expired message",
				zap.String("message", m.ID), zap.String("target", m.TargetID))
			continue
		}
		switch {
		case m.Mode == Urgent || m.Mode == Steer:
			batch = append(batch, m)
		case st.isIdle:
			batch = append(batch, m)
		case m.Mode == Important && importantOK:
			batch = append(batch, m)
		default:
			rest = append(rest, m)
		}
	}
	return batch, rest
}

// deliverBatch injects messages grouped by injection style. Called with
// the delivering flag held.
func (q *Queue) deliverBatch(id string, batch []*Message) {
	// Vanished targets drop their messages with a warning; other
	// sessions are unaffected.
	sess, err := q.reg.Get(id)
	if err != nil {
		q.log.Warn("dropping messages for unknown session",
			zap.String("session", id), zap.Int("count", len(batch)))
		q.rec.Record(events.Event{Type: events.MessageDropped, Subject: id})
		return
	}

	pane := sess.PaneName()
	if live, err := q.ad.HasPane(pane); err == nil && !live {
		q.log.Warn("pane gone, dropping pending messages",
			zap.String("session", id), zap.Int("count", len(batch)))
		_ = q.reg.SetStatus(id, registry.StatusStopped)
		q.rec.Record(events.Event{Type: events.SessionStopped, Subject: id, Message: "pane gone"})
		q.rec.Record(events.Event{Type: events.MessageDropped, Subject: id})
		return
	}

	var urgent, steer, normal []*Message
	for _, m := range batch {
		switch m.Mode {
		case Urgent:
			urgent = append(urgent, m)
		case Steer:
			steer = append(steer, m)
		default:
			normal = append(normal, m)
		}
	}

	caps := sess.Capabilities()
	if len(steer) > 0 && !caps.SupportsSteer {
		// Providers without mid-turn input get the interrupt path.
		urgent = append(urgent, steer...)
		sortFIFO(urgent)
		steer = nil
	}

	if len(urgent) > 0 {
		q.injectUrgent(pane, urgent)
		q.finishDelivery(id, urgent)
	}
	if len(steer) > 0 {
		q.injectSteer(pane, steer)
		q.finishDelivery(id, steer)
	}
	if len(normal) > 0 {
		if !q.injectWithGuard(id, pane, normal) {
			// Guard aborted: requeue and let the next pass retry.
			q.withStripe(id, func(st *deliveryState) {
				st.pending = append(st.pending, normal...)
				sortFIFO(st.pending)
			})
			return
		}
		q.finishDelivery(id, normal)

		// The batch is the agent's next turn.
		q.withStripe(id, func(st *deliveryState) { st.isIdle = false })
		if err := q.reg.SetStatus(id, registry.StatusRunning); err == nil {
			q.rec.Record(events.Event{Type: events.SessionRunning, Subject: id})
		}
	}
}

// injectUrgent interrupts the agent, waits for the interrupt to settle,
// and injects directly. Any pending prompt draft is overwritten.
func (q *Queue) injectUrgent(pane string, msgs []*Message) {
	if err := q.ad.SendInterrupt(pane); err != nil {
		q.log.Warn("urgent interrupt", zap.String("pane", pane), zap.Error(err))
	}
	time.Sleep(q.cfg.Timing.UrgentSettleDuration())
	if err := q.ad.SendText(pane, renderBatch(msgs)); err != nil {
		q.log.Warn("urgent inject", zap.String("pane", pane), zap.Error(err))
	}
}

// injectSteer wraps the text in Enter keys so supporting providers pick
// it up mid-turn. No save/restore: steering overwrites like urgent.
func (q *Queue) injectSteer(pane string, msgs []*Message) {
	if err := q.ad.SendRaw(pane, "Enter"); err != nil {
		q.log.Warn("steer enter", zap.String("pane", pane), zap.Error(err))
	}
	if err := q.ad.SendLiteral(pane, renderBatch(msgs)); err != nil {
		q.log.Warn("steer inject", zap.String("pane", pane), zap.Error(err))
	}
	if err := q.ad.SendRaw(pane, "Enter"); err != nil {
		q.log.Warn("steer submit", zap.String("pane", pane), zap.Error(err))
	}
}

// injectWithGuard runs the pending-user-input guard, then injects the
// batch and settles. Returns false when the guard aborted because input
// reappeared in the micro-window before the send.
func (q *Queue) injectWithGuard(id, pane string, msgs []*Message) bool {
	q.waitForStaleInput(id, pane)

	// Final re-check immediately before the keystroke send: a draft that
	// reappeared in the micro-window wins, and the pass re-enters polling.
	if draft := q.promptDraft(pane); draft != "" {
		q.withStripe(id, func(st *deliveryState) {
			st.pendingUserInput = draft
			st.pendingUserInputFirstSeen = q.now()
		})
		return false
	}

	if err := q.ad.SendText(pane, renderBatch(msgs)); err != nil {
		q.log.Warn("batch inject", zap.String("pane", pane), zap.Error(err))
	}
	time.Sleep(q.cfg.Timing.DeliverySettleDuration())
	return true
}

// waitForStaleInput implements the pending-user-input guard: a non-empty
// prompt draft blocks delivery until it has been unchanged for the stale
// timeout, at which point it is saved and cleared. The saved draft is
// re-typed after the agent finishes the injected batch.
func (q *Queue) waitForStaleInput(id, pane string) {
	draft := q.promptDraft(pane)
	if draft == "" {
		return
	}

	first := q.now()
	q.withStripe(id, func(st *deliveryState) {
		st.pendingUserInput = draft
		st.pendingUserInputFirstSeen = first
	})

	poll := q.cfg.Timing.InputPollDuration()
	stale := q.cfg.Timing.InputStaleDuration()
	for {
		time.Sleep(poll)
		cur := q.promptDraft(pane)
		if cur == "" {
			// Draft was submitted or cleared by the user.
			q.clearPendingInput(id)
			return
		}
		if cur != draft {
			draft = cur
			first = q.now()
			q.withStripe(id, func(st *deliveryState) {
				st.pendingUserInput = cur
				st.pendingUserInputFirstSeen = first
			})
			continue
		}
		if q.now().Sub(first) >= stale {
			q.withStripe(id, func(st *deliveryState) {
				st.savedUserInput = draft
				st.pendingUserInput = ""
			})
			if err := q.ad.ClearLine(pane); err != nil {
				q.log.Warn("clearing stale draft", zap.String("pane", pane), zap.Error(err))
			}
			return
		}
	}
}

func (q *Queue) clearPendingInput(id string) {
	q.withStripe(id, func(st *deliveryState) {
		st.pendingUserInput = ""
		st.pendingUserInputFirstSeen = time.Time{}
	})
}

// promptDraft returns the text typed after the prompt marker on the
// pane's last prompt line, or "" when the line is clean or capture
// fails.
func (q *Queue) promptDraft(pane string) string {
	out, err := q.ad.Capture(pane, captureLines)
	if err != nil {
		return ""
	}
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "> "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return ""
}

// finishDelivery stamps delivered-at, emits events, buffers stop-notify
// candidates, and schedules delivery confirmations.
func (q *Queue) finishDelivery(id string, msgs []*Message) {
	now := q.now().UTC()
	if len(msgs) > 0 {
		latency := now.Sub(msgs[0].QueuedAt).Seconds() * 1000
		telemetry.RecordDelivery(context.Background(), id, string(msgs[0].Mode), len(msgs), latency)
	}
	q.withStripe(id, func(st *deliveryState) {
		st.delivered = append(st.delivered, msgs...)
		if len(st.delivered) > deliveredCap {
			st.delivered = st.delivered[len(st.delivered)-deliveredCap:]
		}
	})
	for _, m := range msgs {
		m.DeliveredAt = &now
		q.rec.Record(events.Event{
			Type: events.MessageDelivered, Actor: m.SenderID, Subject: id,
			Message: string(m.Mode),
		})
		if m.NotifyOnStop && m.SenderID != "" {
			q.RecordStopNotifyCandidate(id, m.SenderID)
		}
		if m.NotifyOnDelivery && m.SenderID != "" {
			q.scheduleDeliveryNote(m)
		}
	}
}

// scheduleDeliveryNote sends a delivery confirmation back to the sender
// after the message's optional post-delivery delay.
func (q *Queue) scheduleDeliveryNote(m *Message) {
	delay := m.NotifyAfter
	target := m.TargetID
	sender := m.SenderID
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if !q.reg.Exists(sender) {
			return
		}
		name := target
		if t, err := q.reg.Get(target); err == nil {
			name = t.DisplayName()
		}
		q.Enqueue(EnqueueParams{
			TargetID:   sender,
			SenderID:   target,
			SenderName: name,
			Text:       "[delivered] your message reached " + name,
			Mode:       Sequential,
		})
	}()
}
