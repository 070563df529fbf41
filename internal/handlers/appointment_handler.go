package handlers

import (
	"net/http"

	"nexusdesk/internal/middleware"
	"nexusdesk/internal/models"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AppointmentHandler 预约协商处理器
type AppointmentHandler struct {
	appointments *services.AppointmentNegotiator
	logger       *logrus.Logger
}

// NewAppointmentHandler 创建预约处理器
func NewAppointmentHandler(appointments *services.AppointmentNegotiator, logger *logrus.Logger) *AppointmentHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AppointmentHandler{appointments: appointments, logger: logger}
}

// DeleteAppointmentResponse 删除结果，附带撤销入口
type DeleteAppointmentResponse struct {
	Ticket *models.Ticket       `json:"ticket"`
	Undo   *services.UndoHandle `json:"undo"`
}

// RegisterRoutes 注册预约路由
func (h *AppointmentHandler) RegisterRoutes(r gin.IRouter) {
	appt := r.Group("/tickets/:id/appointment")
	{
		appt.POST("", h.Propose)
		appt.POST("/:appointment_id/accept", h.Accept)
		appt.POST("/:appointment_id/cancel", h.Cancel)
		appt.DELETE("/:appointment_id", h.Delete)
		appt.GET("/undo", h.PendingUndo)
		appt.POST("/undo/:appointment_id", h.Restore)
	}
}

// Propose 提出或改期预约
// @Summary 提出预约
// @Description 坐席提出待用户确认，用户提出待坐席确认；已有进行中的预约时视为改期
// @Tags 预约
// @Accept json
// @Produce json
// @Param id path string true "工单ID"
// @Param slot body services.AppointmentSlot true "时间与地点"
// @Success 200 {object} models.Ticket
// @Failure 403 {object} ErrorResponse "套餐不含预约功能"
// @Router /api/v1/tickets/{id}/appointment [post]
func (h *AppointmentHandler) Propose(c *gin.Context) {
	var slot services.AppointmentSlot
	if err := c.ShouldBindJSON(&slot); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	scope := middleware.ScopeFrom(c)
	ticket, err := h.appointments.Propose(c.Request.Context(), scope, c.Param("id"), partyOf(scope.Role), slot)
	if err != nil {
		respondError(c, h.logger, "Failed to propose appointment", err)
		return
	}
	c.JSON(http.StatusOK, services.ViewFor(scope, ticket))
}

// Accept 确认对方的提议
// @Router /api/v1/tickets/{id}/appointment/{appointment_id}/accept [post]
func (h *AppointmentHandler) Accept(c *gin.Context) {
	scope := middleware.ScopeFrom(c)
	ticket, err := h.appointments.Accept(c.Request.Context(), scope, c.Param("id"), partyOf(scope.Role), c.Param("appointment_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to accept appointment", err)
		return
	}
	c.JSON(http.StatusOK, services.ViewFor(scope, ticket))
}

// Cancel 取消预约
// @Router /api/v1/tickets/{id}/appointment/{appointment_id}/cancel [post]
func (h *AppointmentHandler) Cancel(c *gin.Context) {
	scope := middleware.ScopeFrom(c)
	ticket, err := h.appointments.Cancel(c.Request.Context(), scope, c.Param("id"), partyOf(scope.Role), c.Param("appointment_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to cancel appointment", err)
		return
	}
	c.JSON(http.StatusOK, services.ViewFor(scope, ticket))
}

// Delete 删除当前预约（坐席），返回可撤销的快照
// @Summary 删除预约
// @Description 删除前需由前端向用户确认；撤销窗口内可通过 undo 接口恢复
// @Tags 预约
// @Produce json
// @Success 200 {object} DeleteAppointmentResponse
// @Router /api/v1/tickets/{id}/appointment/{appointment_id} [delete]
func (h *AppointmentHandler) Delete(c *gin.Context) {
	handle, ticket, err := h.appointments.Delete(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"), c.Param("appointment_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to delete appointment", err)
		return
	}
	c.JSON(http.StatusOK, DeleteAppointmentResponse{Ticket: ticket, Undo: handle})
}

// PendingUndo 当前可撤销的删除；没有时 data 为空
// @Router /api/v1/tickets/{id}/appointment/undo [get]
func (h *AppointmentHandler) PendingUndo(c *gin.Context) {
	handle, err := h.appointments.PendingUndo(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get pending undo", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: handle})
}

// Restore 撤销删除
// @Failure 410 {object} ErrorResponse "撤销窗口已过"
// @Router /api/v1/tickets/{id}/appointment/undo/{appointment_id} [post]
func (h *AppointmentHandler) Restore(c *gin.Context) {
	ticket, err := h.appointments.Restore(c.Request.Context(), middleware.ScopeFrom(c), c.Param("id"), c.Param("appointment_id"))
	if err != nil {
		respondError(c, h.logger, "Failed to restore appointment", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}
