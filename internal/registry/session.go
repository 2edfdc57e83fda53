// Package registry holds the session table and its persisted snapshot.
//
// Sessions are keyed by an opaque 8-hex identifier. Parent references
// are ids, never pointers — a parent that has been cleaned up simply
// fails lookup, and no structural cycle is possible.
package registry

import (
	"time"

	"github.com/fleetd/fleetd/internal/provider"
)

// Status is a session's lifecycle state.
type Status string

// Session lifecycle states.
const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusIdle    Status = "IDLE"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// CompletionStatus records how a session's work ended.
type CompletionStatus string

// Completion outcomes. Empty means still in progress.
const (
	CompletionNone      CompletionStatus = ""
	CompletionCompleted CompletionStatus = "COMPLETED"
	CompletionError     CompletionStatus = "ERROR"
	CompletionAbandoned CompletionStatus = "ABANDONED"
	CompletionKilled    CompletionStatus = "KILLED"
)

// ReviewState is the review configuration slot persisted on a session.
type ReviewState struct {
	Mode        string `json:"mode"`
	Base        string `json:"base,omitempty"`
	Commit      string `json:"commit,omitempty"`
	Custom      string `json:"custom,omitempty"`
	Steer       string `json:"steer,omitempty"`
	Delivered   bool   `json:"delivered,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	PRRepo      string `json:"pr_repo,omitempty"`
	PRCommentID int64  `json:"pr_comment_id,omitempty"`
}

// Session is one coordinated agent pane.
type Session struct {
	ID           string           `json:"id"`
	FriendlyName string           `json:"friendly_name,omitempty"`
	WorkDir      string           `json:"work_dir"`
	Provider     provider.Name    `json:"provider"`
	ParentID     string           `json:"parent_id,omitempty"`
	Status       Status           `json:"status"`
	StatusText   string           `json:"status_text,omitempty"`
	StatusTextAt time.Time        `json:"status_text_at,omitempty"`
	LastToolCall time.Time        `json:"last_tool_call,omitempty"`
	SpawnPrompt  string           `json:"spawn_prompt,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Completion   CompletionStatus `json:"completion_status,omitempty"`
	IsEM         bool             `json:"is_em,omitempty"`
	ChatID       string           `json:"chat_id,omitempty"`
	ThreadID     string           `json:"thread_id,omitempty"`
	Review       *ReviewState     `json:"review,omitempty"`
	ResumeToken  string           `json:"resume_token,omitempty"`

	// Runtime-only fields, never persisted.
	IsCompacting       bool   `json:"-"`
	AwaitingPermission bool   `json:"-"`
	LastOutput         string `json:"-"`
}

// PaneName returns the terminal pane name derived from the session id.
func (s *Session) PaneName() string {
	return "agent-" + s.ID
}

// DisplayName returns the friendly name when set, else the short id.
func (s *Session) DisplayName() string {
	if s.FriendlyName != "" {
		return s.FriendlyName
	}
	return s.ID
}

// ShortID returns the first 7 characters of the id, matching the
// delivery header format.
func (s *Session) ShortID() string {
	if len(s.ID) > 7 {
		return s.ID[:7]
	}
	return s.ID
}

// Capabilities returns the provider capability set for this session.
// Unknown providers (possible after a downgrade) get claude semantics.
func (s *Session) Capabilities() provider.Capabilities {
	caps, err := provider.Lookup(s.Provider)
	if err != nil {
		caps, _ = provider.Lookup(provider.Claude)
	}
	return caps
}

// RemindRegistration is a persisted periodic status reminder for a child
// session. At most one exists per session.
type RemindRegistration struct {
	ChildID   string    `json:"child_id"`
	SoftSecs  int       `json:"soft_period_seconds"`
	HardSecs  int       `json:"hard_period_seconds"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ParentWakeRegistration is a persisted periodic digest delivered to a
// parent about a child's status.
type ParentWakeRegistration struct {
	ID                string    `json:"id"`
	ChildID           string    `json:"child_id"`
	ParentID          string    `json:"parent_id"`
	PeriodSecs        int       `json:"period_seconds"`
	RegisteredAt      time.Time `json:"registered_at"`
	LastWakeAt        time.Time `json:"last_wake_at,omitempty"`
	LastStatusAtWake  time.Time `json:"last_status_text_at_prev_wake,omitempty"`
	Escalated         bool      `json:"escalated,omitempty"`
	Active            bool      `json:"is_active"`
}

// EMTopic is the persisted (chat, thread) of the most recent EM session,
// reused when a new EM inherits the thread.
type EMTopic struct {
	Chat   string `json:"chat"`
	Thread string `json:"thread"`
}
