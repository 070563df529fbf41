package handlers

import (
	"net/http"

	"nexusdesk/internal/middleware"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 工单事件实时推送
type WebSocketHandler struct {
	hub    *services.TicketHub
	logger *logrus.Logger
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(hub *services.TicketHub, logger *logrus.Logger) *WebSocketHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHandler{hub: hub, logger: logger}
}

// HandleWebSocket 升级连接并订阅调用方公司的工单事件
// @Router /api/v1/ws [get]
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	scope := middleware.ScopeFrom(c)
	if err := scope.Validate(); err != nil {
		respondError(c, h.logger, "Failed to open websocket", err)
		return
	}
	// 升级失败时 upgrader 已写出响应
	if err := h.hub.ServeWS(c.Writer, c.Request, scope); err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
	}
}

// GetStats 连接统计
// @Router /api/v1/ws/stats [get]
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "ok",
		Data:    gin.H{"clients": h.hub.ClientCount()},
	})
}
