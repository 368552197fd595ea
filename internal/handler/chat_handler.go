package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/service"
)

// ChatHandler handles REST API for chat sessions.
type ChatHandler struct {
	svc *service.SessionService
}

// NewChatHandler creates a chat handler.
func NewChatHandler(svc *service.SessionService) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// CreateRoom godoc
// POST /api/chat/create-room
// Returns the pair's active session, creating one if none exists.
func (h *ChatHandler) CreateRoom(c *gin.Context) {
	var req model.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	sess, err := h.svc.CreateOrGetActiveSession(c.Request.Context(), req.UserID, req.AstrologerID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Accept godoc
// POST /api/chat/accept
func (h *ChatHandler) Accept(c *gin.Context) {
	var req model.AcceptChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	sess, err := h.svc.AcceptRequest(c.Request.Context(), req.AstrologerID, req.RequestID)
	if errors.Is(err, errs.ErrStaleRequest) {
		body := gin.H{"error": "stale request"}
		if sid, ok := h.svc.ResolvedSession(req.RequestID); ok {
			body["session_id"] = sid
		}
		c.JSON(http.StatusConflict, body)
		return
	}
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "chat accepted", "session_id": sess.ID})
}

// Reject godoc
// POST /api/chat/reject
func (h *ChatHandler) Reject(c *gin.Context) {
	var req model.AcceptChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	if err := h.svc.RejectRequest(req.AstrologerID, req.RequestID); err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "chat rejected"})
}

// End godoc
// POST /api/chat/end
func (h *ChatHandler) End(c *gin.Context) {
	var req model.EndChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	if req.EndedBy != model.EndedByUser && req.EndedBy != model.EndedByAstrologer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ended_by must be user or astrologer"})
		return
	}
	sess, err := h.svc.End(c.Request.Context(), req.SessionID, req.EndedBy, "")
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Send godoc
// POST /api/chat/send
func (h *ChatHandler) Send(c *gin.Context) {
	var req model.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	msg, err := h.svc.SendMessage(c.Request.Context(), req.SessionID, req.SenderID, req.ReceiverID, req.Content)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// GetMessages godoc
// GET /api/chat/messages/:session_id
func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	msgs, err := h.svc.GetMessages(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get messages"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// GetSession godoc
// GET /api/chat/sessions/:session_id
func (h *ChatHandler) GetSession(c *gin.Context) {
	sess, err := h.svc.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// History godoc
// GET /api/chat/my-chats?participant_id=...
func (h *ChatHandler) History(c *gin.Context) {
	participantID := c.Query("participant_id")
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id required"})
		return
	}
	sessions, err := h.svc.History(c.Request.Context(), participantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get history"})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// mapError translates domain sentinel errors into HTTP responses.
func (h *ChatHandler) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrUnreachable):
		c.JSON(http.StatusNotFound, gin.H{"error": "astrologer unreachable"})
	case errors.Is(err, errs.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat request not found"})
	case errors.Is(err, errs.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, errs.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient coins"})
	case errors.Is(err, errs.ErrSessionNotActive):
		c.JSON(http.StatusGone, gin.H{"error": "session not active"})
	case errors.Is(err, errs.ErrStaleRequest):
		c.JSON(http.StatusConflict, gin.H{"error": "stale request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
