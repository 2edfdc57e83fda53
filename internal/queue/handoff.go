package queue

import (
	"strings"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/registry"
)

// executeHandoff reads the chained-task file and injects its contents
// as the session's next turn. The session never goes idle: the stop
// hook that triggered the handoff is consumed entirely.
//
// A missing or empty handoff file is logged and treated as a normal
// completion so the session does not wedge with is-idle false forever.
func (q *Queue) executeHandoff(id, path string) {
	data, err := q.fs.ReadFile(path)
	prompt := strings.TrimSpace(string(data))
	if err != nil || prompt == "" {
		if err != nil {
			q.log.Warn("reading handoff file", zap.String("session", id),
				zap.String("path", path), zap.Error(err))
		} else {
			q.log.Warn("empty handoff file", zap.String("session", id), zap.String("path", path))
		}
		q.MarkSessionIdle(id, false, "")
		return
	}

	// The file is single-use: consume it before injection so a crash
	// mid-send cannot replay the task.
	if err := q.fs.Remove(path); err != nil {
		q.log.Warn("removing handoff file", zap.String("path", path), zap.Error(err))
	}

	if err := q.ad.SendText(paneName(id), prompt); err != nil {
		q.log.Warn("injecting handoff", zap.String("session", id), zap.Error(err))
	}
	if err := q.reg.SetStatus(id, registry.StatusRunning); err != nil {
		q.log.Warn("marking handoff active", zap.String("session", id), zap.Error(err))
	}
	q.rec.Record(events.Event{Type: events.HandoffExecuted, Subject: id, Message: path})
}
