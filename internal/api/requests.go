// Package api exposes the coordinator's RPC surface over HTTP.
package api

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	WorkingDir   string `json:"working_dir" binding:"required"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Parent       string `json:"parent,omitempty"`
	Provider     string `json:"provider,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	SpawnPrompt  string `json:"spawn_prompt,omitempty"`
}

// PatchSessionRequest is the body of PATCH /sessions/{id}.
type PatchSessionRequest struct {
	FriendlyName *string `json:"friendly_name,omitempty"`
	IsEM         *bool   `json:"is_em,omitempty"`
}

// InputRequest is the body of POST /sessions/{id}/input.
type InputRequest struct {
	Text             string `json:"text" binding:"required"`
	Sender           string `json:"sender,omitempty"`
	SenderName       string `json:"sender_name,omitempty"`
	Mode             string `json:"mode,omitempty"`
	NotifyOnStop     bool   `json:"notify_on_stop,omitempty"`
	NotifyOnDelivery bool   `json:"notify_on_delivery,omitempty"`
	NotifyAfterSecs  int    `json:"notify_after_seconds,omitempty"`
	TimeoutSecs      int    `json:"timeout_seconds,omitempty"`
}

// WatchRequest is the body of POST /sessions/{id}/watch.
type WatchRequest struct {
	Watcher     string `json:"watcher" binding:"required"`
	TimeoutSecs int    `json:"timeout_seconds,omitempty"`
}

// StatusRequest is the body of POST /sessions/{id}/status.
type StatusRequest struct {
	Text string `json:"text" binding:"required"`
}

// RemindRequest is the body of POST /sessions/{id}/remind.
type RemindRequest struct {
	SoftSecs int `json:"soft_period_seconds,omitempty"`
	HardSecs int `json:"hard_period_seconds,omitempty"`
}

// ParentWakeRequest is the body of POST /sessions/{id}/parent-wake.
type ParentWakeRequest struct {
	Parent     string `json:"parent" binding:"required"`
	PeriodSecs int    `json:"period_seconds" binding:"required"`
}

// HandoffRequest is the body of POST /sessions/{id}/handoff.
type HandoffRequest struct {
	Path string `json:"path" binding:"required"`
}

// ReviewRequest is the body of POST /sessions/{id}/review.
type ReviewRequest struct {
	Mode    string `json:"mode" binding:"required"`
	Base    string `json:"base,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Custom  string `json:"custom,omitempty"`
	Steer   string `json:"steer,omitempty"`
	Watcher string `json:"watcher,omitempty"`
}

// PRReviewRequest is the body of POST /reviews/pr.
type PRReviewRequest struct {
	PRNumber int    `json:"pr_number" binding:"required"`
	Repo     string `json:"repo,omitempty"`
	Steer    string `json:"steer,omitempty"`
	Wait     bool   `json:"wait,omitempty"`
}

// LockRequest is the body of POST /locks.
type LockRequest struct {
	WorkDir string `json:"work_dir" binding:"required"`
	Owner   string `json:"owner" binding:"required"`
	Reason  string `json:"reason,omitempty"`
}

// UnlockRequest is the body of DELETE /locks.
type UnlockRequest struct {
	WorkDir string `json:"work_dir" binding:"required"`
	Owner   string `json:"owner" binding:"required"`
}

// callerHeader carries the requesting session's id for parent-scoped
// authorization. Absent means the operator.
const callerHeader = "X-Fleetd-Caller"
