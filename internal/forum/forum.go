// Package forum defines the pluggable notifier interface for the
// external chat/thread system. The coordinator treats the forum as a
// downstream consumer: notifier failures are logged and never abort the
// invoking operation.
package forum

import "context"

// Notifier is the contract for the external forum-thread system.
type Notifier interface {
	// CreateThread creates a thread in chat and returns its id.
	CreateThread(ctx context.Context, chat, title string) (string, error)

	// CloseThread marks a thread closed.
	CloseThread(ctx context.Context, chat, thread string) error

	// DeleteThread removes a thread entirely.
	DeleteThread(ctx context.Context, chat, thread string) error

	// Send posts text to chat. thread and replyTo are optional ("").
	Send(ctx context.Context, chat, thread, text, replyTo string) error
}
