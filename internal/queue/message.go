// Package queue implements per-session message queues, the idle-gated
// delivery engine, the skip fence, watchers, periodic reminders, and
// parent-wake digests.
package queue

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects when a message lands on the target pane.
type Mode string

// Delivery modes.
const (
	// Sequential delivers when the target is idle with no pending
	// prompt draft. The default coordination mode.
	Sequential Mode = "sequential"
	// Important delivers on the target's next stop hook even while it
	// is chain-working through queued tasks.
	Important Mode = "important"
	// Urgent interrupts the target and injects immediately,
	// overwriting any pending draft.
	Urgent Mode = "urgent"
	// Steer injects into an in-progress turn on providers that
	// support mid-turn input.
	Steer Mode = "steer"
)

// ValidMode reports whether m names a delivery mode.
func ValidMode(m Mode) bool {
	switch m {
	case Sequential, Important, Urgent, Steer:
		return true
	}
	return false
}

// Message is one queued inter-agent message.
type Message struct {
	ID               string     `json:"id"`
	TargetID         string     `json:"target_id"`
	SenderID         string     `json:"sender_id,omitempty"`
	SenderName       string     `json:"sender_name"`
	Text             string     `json:"text"`
	Mode             Mode       `json:"mode"`
	QueuedAt         time.Time  `json:"queued_at"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	NotifyOnStop     bool       `json:"notify_on_stop,omitempty"`
	NotifyOnDelivery bool       `json:"notify_on_delivery,omitempty"`
	NotifyAfter      time.Duration `json:"notify_after,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

// header returns the per-sender attribution line prepended to the
// message text inside a batch.
func (m *Message) header() string {
	short := m.SenderID
	if len(short) > 7 {
		short = short[:7]
	}
	if short == "" {
		// Coordinator- and operator-originated messages have no session.
		return fmt.Sprintf("[From %s]", m.SenderName)
	}
	return fmt.Sprintf("[From %s (%s)]", m.SenderName, short)
}

// renderBatch concatenates messages into one payload with per-sender
// headers, preserving queue order.
func renderBatch(msgs []*Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.header())
		b.WriteString(" ")
		b.WriteString(m.Text)
	}
	return b.String()
}
