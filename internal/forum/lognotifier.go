package forum

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogNotifier is a [Notifier] that only logs. Used when no external
// forum is configured; thread ids are locally generated so registry
// bookkeeping still exercises the same paths.
type LogNotifier struct {
	log  *zap.Logger
	next atomic.Int64
}

// NewLogNotifier returns a logging-only notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// CreateThread logs and returns a synthetic thread id.
func (n *LogNotifier) CreateThread(_ context.Context, chat, title string) (string, error) {
	id := fmt.Sprintf("local-%d", n.next.Add(1))
	n.log.Info("forum: create thread", zap.String("chat", chat), zap.String("title", title), zap.String("thread", id))
	return id, nil
}

// CloseThread logs the call.
func (n *LogNotifier) CloseThread(_ context.Context, chat, thread string) error {
	n.log.Info("forum: close thread", zap.String("chat", chat), zap.String("thread", thread))
	return nil
}

// DeleteThread logs the call.
func (n *LogNotifier) DeleteThread(_ context.Context, chat, thread string) error {
	n.log.Info("forum: delete thread", zap.String("chat", chat), zap.String("thread", thread))
	return nil
}

// Send logs the message.
func (n *LogNotifier) Send(_ context.Context, chat, thread, text, _ string) error {
	n.log.Info("forum: send", zap.String("chat", chat), zap.String("thread", thread), zap.String("text", text))
	return nil
}

// Compile-time check.
var _ Notifier = (*LogNotifier)(nil)
