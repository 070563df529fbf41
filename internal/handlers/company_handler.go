package handlers

import (
	"net/http"

	"nexusdesk/internal/middleware"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CompanyHandler 套餐用量与坐席管理
type CompanyHandler struct {
	agents *services.AgentDirectory
	quota  *services.QuotaGuard
	logger *logrus.Logger
}

// NewCompanyHandler 创建公司处理器
func NewCompanyHandler(agents *services.AgentDirectory, quota *services.QuotaGuard, logger *logrus.Logger) *CompanyHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &CompanyHandler{agents: agents, quota: quota, logger: logger}
}

// RegisterRoutes 注册路由
func (h *CompanyHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/company/usage", h.GetUsage)
	r.GET("/agents", h.ListAgents)
	r.POST("/agents", h.AddAgent)
}

// GetUsage 当月用量
// @Summary 套餐用量
// @Description 返回生效套餐、当月工单用量与坐席人数
// @Tags 公司
// @Produce json
// @Success 200 {object} services.UsageReport
// @Router /api/v1/company/usage [get]
func (h *CompanyHandler) GetUsage(c *gin.Context) {
	scope := middleware.ScopeFrom(c)
	if err := scope.Validate(); err != nil {
		respondError(c, h.logger, "Failed to get usage", err)
		return
	}
	report, err := h.quota.Usage(c.Request.Context(), scope.CompanyID)
	if err != nil {
		respondError(c, h.logger, "Failed to get usage", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListAgents 坐席列表
// @Router /api/v1/agents [get]
func (h *CompanyHandler) ListAgents(c *gin.Context) {
	agents, err := h.agents.ListAgents(c.Request.Context(), middleware.ScopeFrom(c))
	if err != nil {
		respondError(c, h.logger, "Failed to list agents", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: agents})
}

// AddAgent 新增坐席（仅主管），超出套餐坐席上限返回 402
// @Summary 新增坐席
// @Tags 公司
// @Accept json
// @Produce json
// @Param agent body services.AddAgentRequest true "坐席信息"
// @Success 201 {object} models.User
// @Failure 402 {object} ErrorResponse
// @Router /api/v1/agents [post]
func (h *CompanyHandler) AddAgent(c *gin.Context) {
	var req services.AddAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	user, err := h.agents.AddAgent(c.Request.Context(), middleware.ScopeFrom(c), req)
	if err != nil {
		respondError(c, h.logger, "Failed to add agent", err)
		return
	}
	c.JSON(http.StatusCreated, user)
}
