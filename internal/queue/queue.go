package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/audit"
	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/fsys"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/telemetry"
	"github.com/fleetd/fleetd/internal/term"
)

// Queue is the delivery engine. One instance serves all sessions; state
// is striped by session id.
type Queue struct {
	reg   *registry.Registry
	ad    term.Adapter
	fs    fsys.FS
	rec   events.Recorder
	log   *zap.Logger
	audit *audit.Store
	cfg   *config.Config

	// now is injectable for fence-window tests.
	now func() time.Time

	statesMu sync.Mutex
	states   map[string]*deliveryState
	stripes  [nStripes]sync.Mutex

	// pendingStopNotes holds session ids whose stop hook arrived with an
	// empty transcript message; drained when a later idle signal carries
	// one.
	notesMu          sync.Mutex
	pendingStopNotes map[string]bool

	tasksMu     sync.Mutex
	remindTasks map[string]*remindTask
	wakeTasks   map[string]*wakeTask

	// OnRealIdle, when set, is invoked after every real (non-absorbed)
	// idle transition. The daemon uses it to flush deferred crash
	// recoveries.
	OnRealIdle func(id string)
}

// Options configures a Queue.
type Options struct {
	Registry *registry.Registry
	Adapter  term.Adapter
	FS       fsys.FS
	Recorder events.Recorder
	Log      *zap.Logger
	Audit    *audit.Store
	Config   *config.Config
}

// New returns a ready Queue.
func New(opts Options) *Queue {
	rec := opts.Recorder
	if rec == nil {
		rec = events.Discard
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	fs := opts.FS
	if fs == nil {
		fs = fsys.OSFS{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Queue{
		reg:              opts.Registry,
		ad:               opts.Adapter,
		fs:               fs,
		rec:              rec,
		log:              log,
		audit:            opts.Audit,
		cfg:              cfg,
		now:              time.Now,
		states:           make(map[string]*deliveryState),
		pendingStopNotes: make(map[string]bool),
		remindTasks:      make(map[string]*remindTask),
		wakeTasks:        make(map[string]*wakeTask),
	}
}

// EnqueueParams are the caller-supplied fields of a queued message.
type EnqueueParams struct {
	TargetID         string
	SenderID         string
	SenderName       string
	Text             string
	Mode             Mode
	NotifyOnStop     bool
	NotifyOnDelivery bool
	NotifyAfter      time.Duration
	Timeout          time.Duration
}

// Enqueue appends a message to the target's queue and schedules a
// delivery pass. The returned message reflects the persisted flags:
// notify-on-stop is forced off unless the sender exists and carries the
// EM role (fail closed).
func (q *Queue) Enqueue(p EnqueueParams) Message {
	m := &Message{
		ID:               uuid.NewString(),
		TargetID:         p.TargetID,
		SenderID:         p.SenderID,
		SenderName:       p.SenderName,
		Text:             p.Text,
		Mode:             p.Mode,
		QueuedAt:         q.now().UTC(),
		NotifyOnStop:     p.NotifyOnStop,
		NotifyOnDelivery: p.NotifyOnDelivery,
		NotifyAfter:      p.NotifyAfter,
	}
	if m.Mode == "" {
		m.Mode = Sequential
	}
	if m.SenderName == "" {
		if s, err := q.reg.Get(m.SenderID); err == nil {
			m.SenderName = s.DisplayName()
		} else {
			m.SenderName = "operator"
		}
	}
	if p.Timeout > 0 {
		d := m.QueuedAt.Add(p.Timeout)
		m.Deadline = &d
	}

	// Directional notify-on-stop: only an existing EM sender may enroll.
	if m.NotifyOnStop {
		sender, err := q.reg.Get(m.SenderID)
		if err != nil || !sender.IsEM {
			m.NotifyOnStop = false
		}
	}

	q.withStripe(m.TargetID, func(st *deliveryState) {
		st.pending = append(st.pending, m)
		sortFIFO(st.pending)
	})

	q.rec.Record(events.Event{
		Type: events.MessageQueued, Actor: m.SenderID, Subject: m.TargetID,
		Message: string(m.Mode),
	})

	go q.TryDeliver(m.TargetID)
	return *m
}

// withStripe runs fn with the session's stripe lock held and its state
// materialized.
func (q *Queue) withStripe(id string, fn func(*deliveryState)) {
	lock := &q.stripes[stripeFor(id)]
	lock.Lock()
	defer lock.Unlock()
	fn(q.state(id))
}

// Pending returns copies of the target's undelivered messages in FIFO
// order.
func (q *Queue) Pending(id string) []Message {
	var out []Message
	q.withStripe(id, func(st *deliveryState) {
		for _, m := range st.pending {
			out = append(out, *m)
		}
	})
	return out
}

// Delivered returns copies of the target's recently delivered messages,
// oldest first.
func (q *Queue) Delivered(id string) []Message {
	var out []Message
	q.withStripe(id, func(st *deliveryState) {
		for _, m := range st.delivered {
			out = append(out, *m)
		}
	})
	return out
}

// IsIdle reports the delivery-state idle flag for id.
func (q *Queue) IsIdle(id string) bool {
	var idle bool
	q.withStripe(id, func(st *deliveryState) { idle = st.isIdle })
	return idle
}

// SetHandoff arms handoff chaining: on the session's next stop hook the
// file at path is read and injected as the next task, before any
// skip-fence processing.
func (q *Queue) SetHandoff(id, path string) {
	q.withStripe(id, func(st *deliveryState) {
		st.pendingHandoffPath = path
	})
}

// InvalidateCache reconciles a context clear: arms the skip fence,
// clears the cached final output, drops deferred stop notifications,
// and clears any recorded stop-notify sender.
//
// Two fence slots are armed only when both signals agree the session is
// mid-run — delivery-state is-idle false AND registry status RUNNING —
// because either signal alone can be stale. Two slots absorb both the
// in-flight prior-task stop hook and the context-clear stop hook.
func (q *Queue) InvalidateCache(id string) {
	sess, err := q.reg.Get(id)
	running := err == nil && sess.Status == registry.StatusRunning

	slots := 1
	q.withStripe(id, func(st *deliveryState) {
		if !st.isIdle && running {
			slots = 2
		}
		st.skipCount = slots
		st.skipArmedAt = q.now()
		st.stopNotifySenderID = ""
	})

	if err == nil {
		_ = q.reg.MutateRuntime(id, func(s *registry.Session) { s.LastOutput = "" })
	}

	q.notesMu.Lock()
	delete(q.pendingStopNotes, id)
	q.notesMu.Unlock()

	q.rec.Record(events.Event{Type: events.FenceArmed, Subject: id, Message: fenceSlots(slots)})
}

func fenceSlots(n int) string {
	if n == 2 {
		return "2 slots"
	}
	return "1 slot"
}

// DeferStopNote records that a stop hook arrived without a final
// transcript message; the next idle signal that carries one drains it.
func (q *Queue) DeferStopNote(id string) {
	q.notesMu.Lock()
	q.pendingStopNotes[id] = true
	q.notesMu.Unlock()
}

// MarkSessionIdle is the single idle-transition entry point. fromStopHook
// is true when the signal is the runtime's stop hook; lastMessage is the
// transcript's final assistant message, when available.
//
// Ordering: handoff execution precedes skip-fence absorption, which
// precedes real-completion effects.
func (q *Queue) MarkSessionIdle(id string, fromStopHook bool, lastMessage string) {
	lock := &q.stripes[stripeFor(id)]
	lock.Lock()
	st := q.state(id)

	// 1. Handoff chains the next task into this session; the session
	// stays busy and nothing below applies, including fence decrement.
	if fromStopHook && st.pendingHandoffPath != "" {
		path := st.pendingHandoffPath
		st.pendingHandoffPath = ""
		st.isIdle = false
		lock.Unlock()
		q.executeHandoff(id, path)
		return
	}

	// 2. Skip fence: absorb stop hooks that are side effects of a
	// context clear. A stale fence falls through as a real completion.
	if fromStopHook && st.skipCount > 0 {
		window := q.cfg.Timing.SkipFenceWindowDuration()
		if q.now().Sub(st.skipArmedAt) < window {
			st.skipCount--
			lock.Unlock()
			q.rec.Record(events.Event{Type: events.FenceAbsorbed, Subject: id})
			telemetry.RecordFenceAbsorption(context.Background(), id)
			go q.tryDeliverOnStop(id)
			return
		}
		q.log.Warn("stale skip fence reset", zap.String("session", id),
			zap.Int("slots", st.skipCount))
		st.skipCount = 0
	}

	// 3. Real completion.
	st.isIdle = true
	st.lastIdleAt = q.now()
	if st.pasteBufferedNotifySenderID != "" {
		st.stopNotifySenderID = st.pasteBufferedNotifySenderID
		st.pasteBufferedNotifySenderID = ""
	}
	notify := st.stopNotifySenderID
	st.stopNotifySenderID = ""
	saved := st.savedUserInput
	st.savedUserInput = ""
	lock.Unlock()

	if err := q.reg.SetStatus(id, registry.StatusIdle); err != nil {
		q.log.Warn("marking session idle", zap.String("session", id), zap.Error(err))
	}
	q.rec.Record(events.Event{Type: events.SessionIdle, Subject: id})

	// Completion cancels pace-keeping tasks.
	q.CancelRemind(id)
	q.CancelParentWake(id)

	if notify != "" {
		q.sendStopNotification(id, notify)
	}

	q.drainStopNote(id, lastMessage)

	// Re-type the draft that was cleared to make room for the batch.
	// No submit: the agent owns the decision to send it.
	if saved != "" {
		if err := q.ad.SendLiteral(paneName(id), saved); err != nil {
			q.log.Warn("restoring saved input", zap.String("session", id), zap.Error(err))
		}
	}

	if q.OnRealIdle != nil {
		q.OnRealIdle(id)
	}

	go q.TryDeliver(id)
}

// sendStopNotification queues an "[agent stopped]" message back to the
// recorded sender. Silently dropped when the sender no longer exists —
// it may have been cleaned up along with the stopped session.
func (q *Queue) sendStopNotification(stoppedID, senderID string) {
	if !q.reg.Exists(senderID) {
		return
	}
	stopped, err := q.reg.Get(stoppedID)
	name := stoppedID
	if err == nil {
		name = stopped.DisplayName()
	}
	q.Enqueue(EnqueueParams{
		TargetID:   senderID,
		SenderID:   stoppedID,
		SenderName: name,
		Text:       "[agent stopped] " + name + " is idle",
		Mode:       Sequential,
	})
}

// drainStopNote forwards the session's final message to its forum
// thread when a prior stop hook deferred for lack of one.
func (q *Queue) drainStopNote(id, lastMessage string) {
	if lastMessage == "" {
		return
	}
	q.notesMu.Lock()
	deferred := q.pendingStopNotes[id]
	delete(q.pendingStopNotes, id)
	q.notesMu.Unlock()
	if !deferred {
		return
	}
	sess, err := q.reg.Get(id)
	if err != nil || sess.ChatID == "" || sess.ThreadID == "" {
		return
	}
	if err := q.reg.Notifier().Send(context.Background(), sess.ChatID, sess.ThreadID, lastMessage, ""); err != nil {
		q.log.Warn("forwarding stop note", zap.String("session", id), zap.Error(err))
	}
}

// RecordStopNotifyCandidate buffers the sender of a just-delivered
// notify-on-stop message. Promotion to the live stop-notify slot
// happens only on the next real idle transition.
func (q *Queue) RecordStopNotifyCandidate(targetID, senderID string) {
	q.withStripe(targetID, func(st *deliveryState) {
		st.pasteBufferedNotifySenderID = senderID
	})
}

// CancelSession drops all queue state and background tasks for id.
// Called on session delete; all cancellations are idempotent.
func (q *Queue) CancelSession(id string) {
	q.CancelRemind(id)
	q.CancelParentWake(id)
	var dropped int
	q.withStripe(id, func(st *deliveryState) {
		dropped = len(st.pending)
		st.pending = nil
	})
	if dropped > 0 {
		q.log.Warn("dropping pending messages for deleted session",
			zap.String("session", id), zap.Int("count", dropped))
		q.rec.Record(events.Event{Type: events.MessageDropped, Subject: id})
	}
	q.dropState(id)
	q.notesMu.Lock()
	delete(q.pendingStopNotes, id)
	q.notesMu.Unlock()
}

// paneName mirrors registry.Session.PaneName without a registry lookup.
func paneName(id string) string {
	return "agent-" + id
}
