package queue

// MarkBusy flips the delivery-state idle flag off. Called on
// pre-tool-use hooks: the agent is demonstrably mid-turn.
func (q *Queue) MarkBusy(id string) {
	q.withStripe(id, func(st *deliveryState) {
		st.isIdle = false
	})
}
