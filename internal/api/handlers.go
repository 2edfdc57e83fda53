package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/daemon"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/provider"
	"github.com/fleetd/fleetd/internal/queue"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/review"
	"github.com/fleetd/fleetd/internal/wslock"
)

// Handler serves the RPC surface. It holds the coordinator by value
// injection — no ambient globals.
type Handler struct {
	c   *daemon.Coordinator
	log *zap.Logger
}

// NewHandler returns a Handler bound to the coordinator.
func NewHandler(c *daemon.Coordinator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{c: c, log: log}
}

func caller(ctx *gin.Context) string {
	return ctx.GetHeader(callerHeader)
}

// fail maps coordinator errors onto HTTP statuses.
func fail(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotPermitted):
		ctx.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, wslock.ErrLocked), errors.Is(err, wslock.ErrNotOwner):
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.c.Reg.List())})
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(ctx *gin.Context) {
	var req CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Provider != "" && !provider.Valid(provider.Name(req.Provider)) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider " + req.Provider})
		return
	}
	sess, err := h.c.Reg.Create(ctx.Request.Context(), registry.CreateParams{
		WorkDir:      req.WorkingDir,
		FriendlyName: req.FriendlyName,
		ParentID:     req.Parent,
		Provider:     provider.Name(req.Provider),
		ChatID:       req.ChatID,
		SpawnPrompt:  req.SpawnPrompt,
	})
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, sess)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"sessions": h.c.Reg.List()})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(ctx *gin.Context) {
	sess, err := h.c.Reg.Get(ctx.Param("id"))
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sess)
}

// PatchSession handles PATCH /sessions/{id}.
func (h *Handler) PatchSession(ctx *gin.Context) {
	id := ctx.Param("id")
	var req PatchSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FriendlyName != nil {
		if err := h.c.Reg.Rename(id, *req.FriendlyName); err != nil {
			fail(ctx, err)
			return
		}
	}
	if req.IsEM != nil {
		if err := h.c.Reg.SetEM(id, *req.IsEM); err != nil {
			fail(ctx, err)
			return
		}
	}
	sess, err := h.c.Reg.Get(id)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sess)
}

// DeleteSession handles DELETE /sessions/{id} (parent-scoped).
func (h *Handler) DeleteSession(ctx *gin.Context) {
	if err := h.c.DeleteSession(ctx.Request.Context(), caller(ctx), ctx.Param("id")); err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Input handles POST /sessions/{id}/input.
func (h *Handler) Input(ctx *gin.Context) {
	id := ctx.Param("id")
	var req InputRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := queue.Mode(req.Mode)
	if req.Mode == "" {
		mode = queue.Sequential
	}
	if !queue.ValidMode(mode) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode " + req.Mode})
		return
	}
	if !h.c.Reg.Exists(id) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.c.Queue.Enqueue(queue.EnqueueParams{
		TargetID:         id,
		SenderID:         req.Sender,
		SenderName:       req.SenderName,
		Text:             req.Text,
		Mode:             mode,
		NotifyOnStop:     req.NotifyOnStop,
		NotifyOnDelivery: req.NotifyOnDelivery,
		NotifyAfter:      time.Duration(req.NotifyAfterSecs) * time.Second,
		Timeout:          time.Duration(req.TimeoutSecs) * time.Second,
	})
	ctx.JSON(http.StatusOK, gin.H{"status": "queued", "mode": string(mode)})
}

// Watch handles POST /sessions/{id}/watch.
func (h *Handler) Watch(ctx *gin.Context) {
	id := ctx.Param("id")
	var req WatchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.c.Reg.Exists(id) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.c.Queue.Watch(id, req.Watcher, time.Duration(req.TimeoutSecs)*time.Second)
	ctx.JSON(http.StatusOK, gin.H{"status": "watching"})
}

// Clear handles POST /sessions/{id}/clear: clears the agent context and
// arms the skip fence.
func (h *Handler) Clear(ctx *gin.Context) {
	if err := h.c.ClearSession(caller(ctx), ctx.Param("id")); err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// InvalidateCache handles POST /sessions/{id}/invalidate-cache: the
// cache-only variant used when the clear keystroke is sent elsewhere.
func (h *Handler) InvalidateCache(ctx *gin.Context) {
	id := ctx.Param("id")
	if !h.c.Reg.Exists(id) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.c.Queue.InvalidateCache(id)
	ctx.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

// TaskComplete handles POST /sessions/{id}/task-complete. Self-auth:
// the requester must be the target session.
func (h *Handler) TaskComplete(ctx *gin.Context) {
	id := ctx.Param("id")
	if who := caller(ctx); who != id {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "task-complete is self-reported"})
		return
	}
	if err := h.c.Queue.TaskComplete(id); err != nil {
		fail(ctx, err)
		return
	}
	h.c.CompleteChild(ctx.Request.Context(), id)
	ctx.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// Status handles POST /sessions/{id}/status: agent-reported status
// text; resets the reminder timer.
func (h *Handler) Status(ctx *gin.Context) {
	var req StatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.c.ReportStatus(ctx.Param("id"), req.Text); err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// Remind handles POST /sessions/{id}/remind.
func (h *Handler) Remind(ctx *gin.Context) {
	var req RemindRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.c.Queue.RegisterRemind(ctx.Param("id"),
		time.Duration(req.SoftSecs)*time.Second,
		time.Duration(req.HardSecs)*time.Second)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "registered"})
}

// ParentWake handles POST /sessions/{id}/parent-wake.
func (h *Handler) ParentWake(ctx *gin.Context) {
	var req ParentWakeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.c.Queue.RegisterParentWake(ctx.Param("id"), req.Parent,
		time.Duration(req.PeriodSecs)*time.Second)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "registered"})
}

// Handoff handles POST /sessions/{id}/handoff.
func (h *Handler) Handoff(ctx *gin.Context) {
	id := ctx.Param("id")
	var req HandoffRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.c.Reg.Exists(id) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.c.Queue.SetHandoff(id, req.Path)
	ctx.JSON(http.StatusOK, gin.H{"status": "armed"})
}

// Output handles GET /sessions/{id}/output: the latest captured pane
// output.
func (h *Handler) Output(ctx *gin.Context) {
	sess, err := h.c.Reg.Get(ctx.Param("id"))
	if err != nil {
		fail(ctx, err)
		return
	}
	out, err := h.c.Adapter.Capture(sess.PaneName(), 100)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"output": out})
}

// StartReview handles POST /sessions/{id}/review (in-pane modes).
func (h *Handler) StartReview(ctx *gin.Context) {
	var req ReviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.c.Review.Start(ctx.Param("id"), review.StartParams{
		Mode:      req.Mode,
		Base:      req.Base,
		Commit:    req.Commit,
		Custom:    req.Custom,
		Steer:     req.Steer,
		WatcherID: req.Watcher,
	})
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "started", "mode": req.Mode})
}

// PRReview handles POST /reviews/pr: the off-pane pull-request path.
func (h *Handler) PRReview(ctx *gin.Context) {
	var req PRReviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.c.Review.StartPR(ctx.Request.Context(), review.PRParams{
		Number: req.PRNumber,
		Repo:   req.Repo,
		Steer:  req.Steer,
		Wait:   req.Wait,
	})
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"comment_id": res.CommentID, "posted_at": res.PostedAt})
}

// HookCallback handles POST /hooks/agent. Hooks are fire-and-forget:
// the response is always success.
func (h *Handler) HookCallback(ctx *gin.Context) {
	var ev daemon.HookEvent
	if err := ctx.ShouldBindJSON(&ev); err != nil {
		h.log.Warn("malformed hook payload", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	h.c.HandleHook(ctx.Request.Context(), ev)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Locks handles GET /locks.
func (h *Handler) Locks(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"locks": h.c.Locks.List()})
}

// AcquireLock handles POST /locks.
func (h *Handler) AcquireLock(ctx *gin.Context) {
	var req LockRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.c.Locks.Lock(req.WorkDir, req.Owner, req.Reason); err != nil {
		fail(ctx, err)
		return
	}
	h.c.Hub.Record(events.Event{Type: events.LockAcquired, Actor: req.Owner, Subject: req.WorkDir})
	ctx.JSON(http.StatusOK, gin.H{"status": "locked"})
}

// ReleaseLock handles DELETE /locks.
func (h *Handler) ReleaseLock(ctx *gin.Context) {
	var req UnlockRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.c.Locks.Unlock(req.WorkDir, req.Owner); err != nil {
		fail(ctx, err)
		return
	}
	h.c.Hub.Record(events.Event{Type: events.LockReleased, Actor: req.Owner, Subject: req.WorkDir})
	ctx.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}
