package httpapi

import (
	"errors"
	"net/http"
	"time"

	"callflow/internal/auth"
	"callflow/internal/call"
	"callflow/internal/dispatch"
	"callflow/internal/reporting"
	"callflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   *call.Manager
	Hub     *dispatch.Hub
	Fanout  *dispatch.Fanout
	Reports *reporting.Service
}

// writeErr maps domain sentinels to stable error codes. Clients treat
// invalid_transition as "someone else changed this session" and re-fetch
// current state instead of retrying blindly.
func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown session or queue entry"})
	case errors.Is(err, call.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "actor may not perform this operation"})
	case errors.Is(err, call.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": "operation not legal from current state; re-fetch the session"})
	case errors.Is(err, call.ErrAlreadyBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already_busy", "message": "participant already has an active call"})
	case errors.Is(err, call.ErrExpired):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "expired", "message": "queue entry TTL passed"})
	case errors.Is(err, call.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid input"})
	default:
		logger.FromGin(c).Error("internal error", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal error"})
	}
}

func actor(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "identity required"})
		return "", false
	}
	return uid, true
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate
// credentials against the identity collaborator.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user_id required"})
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Role         string `json:"role"`
}

func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "refresh_token required"})
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid refresh token"})
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	pair, err := h.Auth.IssuePair(time.Now(), claims.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type initiateRequest struct {
	Callee string    `json:"callee"`
	Kind   call.Kind `json:"kind"`
}

func (h Handlers) Initiate(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid json"})
		return
	}
	res, err := h.Calls.Initiate(c.Request.Context(), uid, req.Callee, req.Kind)
	if err != nil {
		writeErr(c, err)
		return
	}
	if res.Queued != nil {
		c.JSON(http.StatusAccepted, gin.H{"state": "queued", "entry": res.Queued})
		return
	}
	c.JSON(http.StatusCreated, res.Session)
}

func (h Handlers) ActiveSession(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	s, found, err := h.Calls.ActiveSession(c.Request.Context(), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !found {
		writeErr(c, call.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) GetSession(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.Calls.Get(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) SessionEvents(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	events, err := h.Calls.History(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h Handlers) Acknowledge(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.Calls.Acknowledge(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type respondRequest struct {
	Decision call.Decision `json:"decision"`
}

func (h Handlers) Respond(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid json"})
		return
	}
	s, err := h.Calls.Respond(c.Request.Context(), c.Param("id"), uid, req.Decision)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type heartbeatRequest struct {
	Backgrounded bool `json:"backgrounded"`
}

func (h Handlers) Heartbeat(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	var req heartbeatRequest
	// Heartbeats may arrive with an empty body.
	_ = c.ShouldBindJSON(&req)
	if err := h.Calls.Heartbeat(c.Request.Context(), c.Param("id"), uid, req.Backgrounded); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusRequest struct {
	Status call.Status `json:"status"`
}

func (h Handlers) UpdateStatus(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid json"})
		return
	}
	s, err := h.Calls.UpdateStatus(c.Request.Context(), c.Param("id"), uid, req.Status)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) End(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.Calls.End(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) Cancel(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.Calls.Cancel(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) ReportTimeout(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.Calls.ReportTimeout(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// --- Queue ---

func (h Handlers) ListQueue(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	entries, err := h.Calls.ListQueue(c.Request.Context(), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) CancelQueueEntry(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	if err := h.Calls.CancelQueueEntry(c.Request.Context(), c.Param("id"), uid); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// --- Events stream ---

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is token-authenticated; origin checks belong to the edge.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventsWS upgrades the request and streams the actor's call events until
// the client disconnects.
func (h Handlers) EventsWS(c *gin.Context) {
	uid, ok := actor(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	h.Hub.Serve(c.Request.Context(), uid, conn)
}

// --- Admin ---

func (h Handlers) AdminStats(c *gin.Context) {
	stats, err := h.Calls.Stats(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	out := gin.H{
		"active_sessions": stats.ActiveSessions,
		"queue_depth":     stats.QueueDepth,
	}
	if h.Fanout != nil {
		out["dispatch_drops"] = h.Fanout.Drops()
	}
	if h.Hub != nil {
		out["websocket_connections"] = h.Hub.Connections()
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) AdminSessions(c *gin.Context) {
	sessions, err := h.Calls.ListActive(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h Handlers) AdminCallsReport(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from must be RFC3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be RFC3339"})
		return
	}
	summary, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{From: from, To: to})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be after from"})
			return
		}
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
