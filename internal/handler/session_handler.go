package handler

import (
	"errors"
	"io"
	"net/http"
	"sci-core/internal/middleware"
	"sci-core/internal/service"
	"sci-core/pkg/log"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责会话的创建以及会话历史的查询与清空。
type SessionHandler struct {
	sessionService service.SessionService
	chatService    service.ChatService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService, chatService service.ChatService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService, chatService: chatService}
}

// CreateSessionRequest 定义了创建会话 API 的请求体结构。未配置访问口令时请求体可以为空。
type CreateSessionRequest struct {
	AccessCode string `json:"accessCode"`
}

// Create 签发一个新的会话 token。
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Warnf("CreateSession: Invalid request payload, error: %v", err)
		fail(c, http.StatusBadRequest, "无效的请求负载")
		return
	}

	info, err := h.sessionService.Create(req.AccessCode)
	if err != nil {
		log.Warnf("CreateSession: failed, error: %v", err)
		status, msg := statusFor(err)
		fail(c, status, msg)
		return
	}

	log.Infof("会话已创建: %s", info.SessionID)
	ok(c, info)
}

// GetHistory 返回当前会话的全部消息，按插入顺序排列。
func (h *SessionHandler) GetHistory(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	history, err := h.chatService.History(c.Request.Context(), sessionID)
	if err != nil {
		log.Error("GetHistory: failed to load history", err)
		fail(c, http.StatusInternalServerError, "Failed to retrieve conversation history")
		return
	}
	ok(c, history)
}

// ClearHistory 清空当前会话的历史（履歴クリア）。
func (h *SessionHandler) ClearHistory(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	if err := h.chatService.Reset(c.Request.Context(), sessionID); err != nil {
		log.Error("ClearHistory: failed to clear history", err)
		fail(c, http.StatusInternalServerError, "Failed to clear conversation history")
		return
	}
	log.Infof("会话历史已清空: %s", sessionID)
	ok(c, nil)
}
