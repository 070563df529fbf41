package handlers

import (
	"nexusdesk/internal/config"
	"nexusdesk/internal/middleware"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Services 路由依赖的服务集合
type Services struct {
	Tickets      *services.TicketService
	Engine       *services.ThreadEngine
	Appointments *services.AppointmentNegotiator
	Agents       *services.AgentDirectory
	Quota        *services.QuotaGuard
	Hub          *services.TicketHub
	Health       *HealthHandler
}

// NewRouter 组装 HTTP 路由。探针与指标无需认证，/api/v1 下全部需要 JWT。
func NewRouter(cfg *config.Config, svc Services, logger *logrus.Logger) *gin.Engine {
	if logger == nil {
		logger = logrus.New()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	if svc.Health != nil {
		svc.Health.RegisterRoutes(router)
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg), middleware.RateLimitMiddleware(cfg))
	{
		NewTicketHandler(svc.Tickets, svc.Engine, logger).RegisterRoutes(api)
		NewAppointmentHandler(svc.Appointments, logger).RegisterRoutes(api)
		NewCompanyHandler(svc.Agents, svc.Quota, logger).RegisterRoutes(api)
		if svc.Hub != nil {
			ws := NewWebSocketHandler(svc.Hub, logger)
			api.GET("/ws", ws.HandleWebSocket)
			api.GET("/ws/stats", ws.GetStats)
		}
	}
	return router
}

// requestLogger 用 logrus 记录访问日志
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"ip":     c.ClientIP(),
		})
		if scope := middleware.ScopeFrom(c); scope.CompanyID != "" {
			entry = entry.WithField("company_id", scope.CompanyID)
		}
		if c.Writer.Status() >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
