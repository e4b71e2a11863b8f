// Package httpapi is the operator-facing HTTP surface over the capture
// controller.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/badge"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/live"
)

// AttemptLister reads the capture journal.
type AttemptLister interface {
	ListAttempts(ctx context.Context, sessionID, outcome string, limit, offset int) ([]attendance.Attempt, error)
}

// Handler wires the operator routes. Limiter covers session management and
// CaptureLimiter covers decisions and scans; either may be nil.
type Handler struct {
	Controller     *attendance.Controller
	History        attendance.History
	Signer         *auth.Signer
	Streamer       *live.Streamer
	Limiter        *httpmiddleware.TokenBucket
	CaptureLimiter *httpmiddleware.TokenBucket
	// Journal is nil when the service runs without a database.
	Journal    AttemptLister
	BadgeSize  int
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	DevRoutes  bool
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	if h.DevRoutes {
		r.POST("/v1/dev/token", h.devToken)
	}
	r.GET("/v1/badges/:code", h.badge)

	v1 := r.Group("/v1", auth.OperatorAuth(h.Signer, auth.RoleOperator, auth.RoleStation))

	capture := v1.Group("/sessions/:id")
	if h.CaptureLimiter != nil {
		capture.Use(h.CaptureLimiter.Middleware(operatorKey))
	}
	capture.POST("/decisions", h.submitDecision)
	capture.POST("/scans", h.submitScan)

	api := v1.Group("")
	if h.Limiter != nil {
		api.Use(h.Limiter.Middleware(operatorKey))
	}
	api.POST("/sessions", h.startSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/sessions/:id/resync", h.resync)
	api.POST("/sessions/:id/end", h.endSession)
	api.GET("/sessions/:id/attempts", h.listAttempts)
	api.GET("/sessions/:id/live", h.liveStream)
	api.GET("/classrooms/:id/sessions", h.classroomSessions)
}

func operatorKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return httpmiddleware.ClientIP(c)
}

type startRequest struct {
	ClassroomID string `json:"classroom_id" binding:"required,max=128"`
	Mode        string `json:"mode" binding:"required"`
	Topic       string `json:"topic" binding:"max=200"`
}

func (h *Handler) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := attendance.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": attendance.KindValidation.String()})
		return
	}
	ctx := c.Request.Context()
	s, err := h.Controller.Start(ctx, req.ClassroomID, mode, req.Topic)
	if err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.Controller.Resume(ctx, s)
	if err != nil {
		h.fail(c, err)
		return
	}
	snap := rec.Snapshot()
	if snap.Session.Mode != mode {
		log.Printf("classroom %s resumed %s session %s instead of %s", req.ClassroomID, snap.Session.Mode, s.ID, mode)
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.Controller.Sessions()})
}

func (h *Handler) getSession(c *gin.Context) {
	rec, ok := h.reconciler(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": rec.Snapshot()})
}

type decisionRequest struct {
	StudentID string `json:"student_id" binding:"required,max=128"`
	Status    string `json:"status" binding:"required"`
}

func (h *Handler) submitDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, ok := h.reconciler(c)
	if !ok {
		return
	}
	out := rec.SubmitDecision(c.Request.Context(), req.StudentID, attendance.Status(req.Status))
	h.outcome(c, rec, out)
}

type scanRequest struct {
	RawCode string `json:"raw_code" binding:"required,max=4096"`
}

func (h *Handler) submitScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, ok := h.reconciler(c)
	if !ok {
		return
	}
	out := rec.SubmitScan(c.Request.Context(), req.RawCode)
	h.outcome(c, rec, out)
}

func (h *Handler) resync(c *gin.Context) {
	rec, ok := h.reconciler(c)
	if !ok {
		return
	}
	if err := rec.Resync(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": rec.Snapshot()})
}

func (h *Handler) endSession(c *gin.Context) {
	s, err := h.Controller.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
)

func (h *Handler) listAttempts(c *gin.Context) {
	if h.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not configured"})
		return
	}
	limit, offset := defaultAttemptLimit, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, maxAttemptLimit)
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	attempts, err := h.Journal.ListAttempts(c.Request.Context(), c.Param("id"), c.Query("outcome"), limit, offset)
	if err != nil {
		log.Printf("list attempts for %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// classroomSessions lists the classroom's history. Sessions live in this
// process report their reconciler's counts.
func (h *Handler) classroomSessions(c *gin.Context) {
	if h.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session history not available"})
		return
	}
	list, err := h.History.ClassroomSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	for i := range list {
		if !list[i].Active {
			continue
		}
		if rec, ok := h.Controller.Live(list[i].ID); ok {
			snap := rec.Snapshot()
			list[i].PresentStudents = snap.Counters.Present
			list[i].TotalStudents = snap.RosterSize
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) liveStream(c *gin.Context) {
	if h.Streamer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live stream disabled"})
		return
	}
	rec, ok := h.reconciler(c)
	if !ok {
		return
	}
	if err := h.Streamer.Serve(c.Writer, c.Request, rec); err != nil {
		log.Printf("live stream for %s: %v", c.Param("id"), err)
	}
}

func (h *Handler) badge(c *gin.Context) {
	size := h.BadgeSize
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			size = parsed
		}
	}
	png, err := badge.Render(c.Param("code"), size)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, badge.ErrEmptyCode) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, "image/png", png)
}

type tokenRequest struct {
	Subject string `json:"subject" binding:"required,max=128"`
	Role    string `json:"role" binding:"omitempty,oneof=operator station"`
}

func (h *Handler) devToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleOperator
	}
	tokens, err := h.Signer.Issue(req.Subject, req.Role, h.AccessTTL, h.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

// reconciler resolves :id to a live reconciler, resuming it on demand.
func (h *Handler) reconciler(c *gin.Context) (*attendance.Reconciler, bool) {
	id := c.Param("id")
	if rec, ok := h.Controller.Live(id); ok {
		return rec, true
	}
	rec, err := h.Controller.ResumeByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return rec, true
}

func (h *Handler) outcome(c *gin.Context, rec *attendance.Reconciler, out attendance.Outcome) {
	body := gin.H{
		"outcome": out,
		"notice":  out.Notice(),
		"session": rec.Snapshot(),
	}
	status := http.StatusOK
	switch {
	case out.Result == attendance.ResultSuppressed:
		status = http.StatusAccepted
	case out.Err != nil:
		status = StatusFor(out.Err.Kind)
		body["error"] = out.Err.Error()
		body["kind"] = out.Err.Kind.String()
		body["retryable"] = out.Retryable()
	}
	c.JSON(status, body)
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := attendance.KindOf(err)
	if kind == attendance.KindUnknown {
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(StatusFor(kind), gin.H{
		"error":     err.Error(),
		"kind":      kind.String(),
		"retryable": kind == attendance.KindTransient,
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind attendance.Kind) int {
	switch kind {
	case attendance.KindConflict, attendance.KindAlreadyMarked:
		return http.StatusConflict
	case attendance.KindTransient:
		return http.StatusServiceUnavailable
	case attendance.KindValidation:
		return http.StatusUnprocessableEntity
	case attendance.KindLifecycle:
		return http.StatusLocked
	case attendance.KindSessionClosed:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}
