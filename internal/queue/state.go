package queue

import (
	"hash/fnv"
	"sort"
	"time"
)

// deliveryState is the per-session runtime delivery record. Created
// lazily on first use; guarded by the session's stripe lock.
type deliveryState struct {
	isIdle     bool
	lastIdleAt time.Time

	// pending is strict FIFO by QueuedAt.
	pending []*Message

	// savedUserInput is a prompt draft saved before a batch injection,
	// re-typed (without submit) after the batch completes.
	savedUserInput string

	// pendingUserInput tracks a draft observed on the prompt line while
	// a delivery waits for it to go stale.
	pendingUserInput          string
	pendingUserInputFirstSeen time.Time

	// stopNotifySenderID names the session notified when this session
	// next stops. pasteBufferedNotifySenderID holds the candidate until
	// the next real (non-absorbed) idle transition promotes it.
	stopNotifySenderID          string
	pasteBufferedNotifySenderID string

	// pendingHandoffPath chains the next task into this session; read
	// on the next stop hook before any skip-fence processing.
	pendingHandoffPath string

	// Skip fence: stop hooks arriving while skipCount > 0 and within
	// the fence window are absorbed instead of treated as completions.
	skipCount   int
	skipArmedAt time.Time

	// delivering guards against concurrent injections for one session.
	delivering bool

	// delivered holds recently delivered messages, newest last, capped
	// at deliveredCap.
	delivered []*Message
}

// deliveredCap bounds the per-session delivered log.
const deliveredCap = 100

// nStripes is the stripe count for per-session locks.
const nStripes = 16

func stripeFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id)) //nolint:errcheck // fnv never fails
	return int(h.Sum32() % nStripes)
}

// state returns the delivery state for id, creating it lazily.
// Caller must hold the session's stripe lock.
func (q *Queue) state(id string) *deliveryState {
	q.statesMu.Lock()
	defer q.statesMu.Unlock()
	st, ok := q.states[id]
	if !ok {
		st = &deliveryState{}
		q.states[id] = st
	}
	return st
}

// peekState returns the delivery state for id without creating it.
func (q *Queue) peekState(id string) (*deliveryState, bool) {
	q.statesMu.Lock()
	defer q.statesMu.Unlock()
	st, ok := q.states[id]
	return st, ok
}

// dropState removes all runtime delivery state for id.
func (q *Queue) dropState(id string) {
	q.statesMu.Lock()
	defer q.statesMu.Unlock()
	delete(q.states, id)
}

// sortFIFO re-establishes strict queued-at order after an append.
func sortFIFO(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].QueuedAt.Before(msgs[j].QueuedAt)
	})
}
