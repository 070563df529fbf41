package handlers

import (
	"net/http"

	"nexusdesk/internal/middleware"
	"nexusdesk/internal/models"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单与会话处理器
type TicketHandler struct {
	tickets *services.TicketService
	engine  *services.ThreadEngine
	logger  *logrus.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(tickets *services.TicketService, engine *services.ThreadEngine, logger *logrus.Logger) *TicketHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketHandler{
		tickets: tickets,
		engine:  engine,
		logger:  logger,
	}
}

// MessageRequest 发送消息
type MessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// AssignRequest 指派坐席；AgentID 为空时指派给自己
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// NoteRequest 内部备注
type NoteRequest struct {
	Text string `json:"text" binding:"required"`
}

// SummaryRequest 工单摘要
type SummaryRequest struct {
	Summary string `json:"summary" binding:"required"`
}

// RegisterRoutes 注册工单路由
func (h *TicketHandler) RegisterRoutes(r gin.IRouter) {
	tickets := r.Group("/tickets")
	{
		tickets.POST("", h.CreateTicket)
		tickets.GET("", h.ListTickets)
		tickets.GET("/:id", h.GetTicket)
		tickets.PUT("/:id", h.UpdateTicket)
		tickets.DELETE("/:id", h.DeleteTicket)
		tickets.POST("/:id/messages", h.PostMessage)
		tickets.POST("/:id/assign", h.AssignAgent)
		tickets.DELETE("/:id/assign", h.UnassignAgent)
		tickets.POST("/:id/notes", h.AddNote)
		tickets.PUT("/:id/summary", h.SetSummary)
	}
}

// CreateTicket 创建工单
// @Summary 创建工单
// @Description 新建工单；携带首条消息时按 AI 规则立即回复。超出套餐月度配额返回 402
// @Tags 工单
// @Accept json
// @Produce json
// @Param ticket body services.OpenTicketRequest true "工单信息"
// @Success 201 {object} services.AppendResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /api/v1/tickets [post]
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.OpenTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	scope := middleware.ScopeFrom(c)
	res, err := h.engine.OpenTicket(c.Request.Context(), scope, req)
	if err != nil {
		respondError(c, h.logger, "Failed to create ticket", err)
		return
	}
	c.JSON(http.StatusCreated, appendResultFor(scope, res))
}

// ListTickets 工单列表
// @Summary 工单列表
// @Tags 工单
// @Produce json
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Param status query []string false "状态过滤"
// @Param search query string false "标题/描述搜索"
// @Success 200 {object} PaginatedResponse
// @Router /api/v1/tickets [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	var req services.TicketListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query parameters", err)
		return
	}
	tickets, total, err := h.tickets.ListTickets(c.Request.Context(), middleware.ScopeFrom(c), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to list tickets", err)
		return
	}
	filter := services.TicketFilter{Page: req.Page, PageSize: req.PageSize}
	filter.Normalize()
	c.JSON(http.StatusOK, newPaginated(tickets, total, filter.Page, filter.PageSize))
}

// GetTicket 工单详情
// @Summary 工单详情
// @Tags 工单
// @Produce json
// @Param id path string true "工单ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/tickets/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	ticket, err := h.tickets.GetTicket(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get ticket", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// UpdateTicket 更新工单
// @Summary 更新工单
// @Description 坐席/主管修改标题、分类、优先级、状态或 AI 等级
// @Tags 工单
// @Accept json
// @Produce json
// @Param id path string true "工单ID"
// @Param ticket body services.TicketUpdateRequest true "更新内容"
// @Success 200 {object} models.Ticket
// @Router /api/v1/tickets/{id} [put]
func (h *TicketHandler) UpdateTicket(c *gin.Context) {
	var req services.TicketUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ticket, err := h.tickets.UpdateTicket(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update ticket", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// DeleteTicket 删除工单（仅主管）
// @Router /api/v1/tickets/{id} [delete]
func (h *TicketHandler) DeleteTicket(c *gin.Context) {
	if err := h.tickets.DeleteTicket(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to delete ticket", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Ticket deleted successfully"})
}

// PostMessage 追加会话消息
// @Summary 发送消息
// @Description 终端用户以 user 身份、坐席以 agent 身份追加消息；未指派人工时由 AI 回复
// @Tags 工单
// @Accept json
// @Produce json
// @Param id path string true "工单ID"
// @Param message body MessageRequest true "消息"
// @Success 200 {object} services.AppendResult
// @Router /api/v1/tickets/{id}/messages [post]
func (h *TicketHandler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	scope := middleware.ScopeFrom(c)
	sender := models.SenderUser
	if scope.Role.IsStaff() {
		sender = models.SenderAgent
	}
	res, err := h.engine.AppendInboundMessage(c.Request.Context(), scope, c.Param("id"), sender, req.Text)
	if err != nil {
		respondError(c, h.logger, "Failed to post message", err)
		return
	}
	c.JSON(http.StatusOK, appendResultFor(scope, res))
}

// AssignAgent 指派人工坐席，AI 停止自动回复
// @Router /api/v1/tickets/{id}/assign [post]
func (h *TicketHandler) AssignAgent(c *gin.Context) {
	var req AssignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	scope := middleware.ScopeFrom(c)
	if req.AgentID == "" {
		req.AgentID = scope.ActorID
	}
	ticket, err := h.engine.AssignAgent(c.Request.Context(), scope, c.Param("id"), req.AgentID)
	if err != nil {
		respondError(c, h.logger, "Failed to assign agent", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// UnassignAgent 取消指派，AI 恢复自动回复
// @Router /api/v1/tickets/{id}/assign [delete]
func (h *TicketHandler) UnassignAgent(c *gin.Context) {
	ticket, err := h.engine.UnassignAgent(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to unassign agent", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// AddNote 添加内部备注
// @Router /api/v1/tickets/{id}/notes [post]
func (h *TicketHandler) AddNote(c *gin.Context) {
	var req NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ticket, err := h.tickets.AddInternalNote(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"), req.Text)
	if err != nil {
		respondError(c, h.logger, "Failed to add note", err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// SetSummary 写入工单摘要
// @Router /api/v1/tickets/{id}/summary [put]
func (h *TicketHandler) SetSummary(c *gin.Context) {
	var req SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ticket, err := h.tickets.SetSummary(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"), req.Summary)
	if err != nil {
		respondError(c, h.logger, "Failed to set summary", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// appendResultFor 按调用方角色裁剪工单与 AI 回复，终端用户看不到内部摘要和 intake 数据
func appendResultFor(scope services.Scope, res *services.AppendResult) *services.AppendResult {
	out := *res
	out.Ticket = services.ViewFor(scope, res.Ticket)
	if res.Reply != nil && !scope.Role.IsStaff() {
		reply := res.Reply.Public()
		out.Reply = &reply
	}
	return &out
}
