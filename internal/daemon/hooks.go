package daemon

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/audit"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/registry"
)

// Hook event kinds sent by the agent runtime.
const (
	HookPreToolUse             = "pre-tool-use"
	HookPostToolUse            = "post-tool-use"
	HookStop                   = "stop"
	HookPreCompact             = "pre-compact"
	HookSessionStartAfterCompact = "session-start-after-compact"
)

// HookEvent is the JSON callback payload from an agent runtime.
type HookEvent struct {
	SessionID      string          `json:"session_id"`
	Kind           string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse   json.RawMessage `json:"tool_response,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
}

// HandleHook processes one hook callback. Hooks are fire-and-forget
// from the agent's point of view: every failure is logged locally and
// the call still succeeds.
func (c *Coordinator) HandleHook(ctx context.Context, ev HookEvent) {
	if ev.SessionID == "" {
		c.Log.Warn("hook without session id", zap.String("kind", ev.Kind))
		return
	}

	switch ev.Kind {
	case HookPreToolUse:
		c.handlePreToolUse(ctx, ev)
	case HookPostToolUse:
		c.handlePostToolUse(ev)
	case HookStop:
		c.handleStop(ev)
	case HookPreCompact:
		if err := c.Reg.MutateRuntime(ev.SessionID, func(s *registry.Session) {
			s.IsCompacting = true
		}); err != nil {
			c.Log.Warn("pre-compact hook", zap.String("session", ev.SessionID), zap.Error(err))
		}
	case HookSessionStartAfterCompact:
		if err := c.Reg.MutateRuntime(ev.SessionID, func(s *registry.Session) {
			s.IsCompacting = false
		}); err != nil {
			c.Log.Warn("post-compact hook", zap.String("session", ev.SessionID), zap.Error(err))
		}
		// Compaction ate wall clock the child could not report status
		// in; start its reminder window over.
		c.Queue.ResetRemind(ev.SessionID)
	default:
		c.Log.Warn("unknown hook kind", zap.String("kind", ev.Kind))
	}
}

func (c *Coordinator) handlePreToolUse(ctx context.Context, ev HookEvent) {
	if err := c.Reg.MarkActive(ev.SessionID); err != nil {
		c.Log.Warn("pre-tool-use hook", zap.String("session", ev.SessionID), zap.Error(err))
		return
	}
	c.Queue.MarkBusy(ev.SessionID)

	if c.Audit == nil {
		return
	}
	entry := audit.Entry{
		SessionID: ev.SessionID,
		ToolName:  ev.ToolName,
		ToolInput: string(ev.ToolInput),
		ToolUseID: ev.ToolUseID,
		Cwd:       ev.Cwd,
	}
	entry.Destructive, entry.TargetFile, entry.BashCommand = classifyTool(ev)

	// Destructive operations in a workspace locked by another session
	// are observed, not blocked — hooks always succeed — but flagged
	// loudly so the lock holder's work is not silently clobbered.
	if entry.Destructive && ev.Cwd != "" {
		if lock, held := c.Locks.OwnerOf(ev.Cwd); held && lock.OwnerID != ev.SessionID {
			c.Log.Warn("destructive tool use in a locked workspace",
				zap.String("session", ev.SessionID),
				zap.String("workspace", ev.Cwd),
				zap.String("lock_owner", lock.OwnerID),
				zap.String("tool", ev.ToolName))
			c.Hub.Record(events.Event{Type: events.LockViolation, Actor: ev.SessionID,
				Subject: ev.Cwd, Message: "destructive tool use while locked by " + lock.OwnerID})
		}
	}

	if err := c.Audit.Record(ctx, entry); err != nil {
		c.Log.Warn("recording tool audit", zap.String("session", ev.SessionID), zap.Error(err))
	}
}

func (c *Coordinator) handlePostToolUse(ev HookEvent) {
	if err := c.Reg.MarkActive(ev.SessionID); err != nil {
		c.Log.Warn("post-tool-use hook", zap.String("session", ev.SessionID), zap.Error(err))
		return
	}
	if ev.TranscriptPath == "" {
		return
	}
	// Cache the transcript's final assistant message; cleared again by
	// a context clear.
	if msg := c.readTranscriptTail(ev.TranscriptPath); msg != "" {
		_ = c.Reg.MutateRuntime(ev.SessionID, func(s *registry.Session) {
			s.LastOutput = msg
		})
	}
}

func (c *Coordinator) handleStop(ev HookEvent) {
	lastMsg := ""
	if ev.TranscriptPath != "" {
		lastMsg = c.readTranscriptTail(ev.TranscriptPath)
	}
	if lastMsg == "" {
		// Defer: a later idle signal that carries a message drains it.
		c.Queue.DeferStopNote(ev.SessionID)
	}
	c.Queue.MarkSessionIdle(ev.SessionID, true, lastMsg)
}

// classifyTool extracts audit columns from a tool-use payload.
func classifyTool(ev HookEvent) (destructive bool, targetFile, bashCommand string) {
	var input struct {
		FilePath string `json:"file_path"`
		Command  string `json:"command"`
	}
	_ = json.Unmarshal(ev.ToolInput, &input)

	switch ev.ToolName {
	case "Write", "Edit", "NotebookEdit":
		return true, input.FilePath, ""
	case "Bash":
		return true, "", input.Command
	case "Read", "Glob", "Grep":
		return false, input.FilePath, ""
	}
	return false, "", ""
}
