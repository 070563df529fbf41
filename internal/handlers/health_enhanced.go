package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"nexusdesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CheckFunc 单个依赖的健康检查
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name     string
	critical bool
	check    CheckFunc
}

// BreakerReporter AI 熔断器状态
type BreakerReporter interface {
	BreakerStats() map[string]interface{}
}

// ClientCounter 实时推送连接数
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler 健康、就绪与指标端点
type HealthHandler struct {
	version string
	deps    []dependency
	ai      BreakerReporter
	hub     ClientCounter
	logger  *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器；ai、hub 可为 nil
func NewHealthHandler(version string, ai BreakerReporter, hub ClientCounter, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{version: version, ai: ai, hub: hub, logger: logger}
}

// AddCheck 注册依赖检查；critical 的依赖失败时就绪检查返回 503
func (h *HealthHandler) AddCheck(name string, critical bool, check CheckFunc) *HealthHandler {
	h.deps = append(h.deps, dependency{name: name, critical: critical, check: check})
	return h
}

// DatabaseCheck 对 gorm 连接池执行 Ping
func DatabaseCheck(db *gorm.DB) CheckFunc {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// RedisCheck 执行 PING
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
	WSClients int    `json:"ws_clients"`
}

var startTime = time.Now()

// RegisterRoutes 注册无需认证的探针路由
func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.Metrics)
}

// Health 健康检查端点。非关键依赖失败时为 degraded，关键依赖失败时为 unhealthy
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Truncate(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}
	if h.hub != nil {
		response.System.WSClients = h.hub.ClientCount()
	}

	for _, dep := range h.deps {
		info := h.probe(ctx, dep)
		response.Services[dep.name] = info
		if info.Status != "healthy" {
			if dep.critical {
				response.Status = "unhealthy"
			} else if response.Status == "healthy" {
				response.Status = "degraded"
			}
		}
	}
	response.Services["ai"] = h.aiInfo()
	if response.Services["ai"].Status == "open" && response.Status == "healthy" {
		// 熔断打开时仍可服务，AI 回复走兜底
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只看关键依赖
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	services := make(map[string]string)
	for _, dep := range h.deps {
		if !dep.critical {
			continue
		}
		if err := dep.check(ctx); err != nil {
			services[dep.name] = "not_ready"
			ready = false
			h.logger.Warnf("readiness check %s failed: %v", dep.name, err)
			continue
		}
		services[dep.name] = "ready"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

// Metrics Prometheus 文本格式的计数器
func (h *HealthHandler) Metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.Status(http.StatusOK)
	if err := metrics.WritePrometheus(c.Writer); err != nil {
		h.logger.Errorf("write metrics: %v", err)
		return
	}
	if h.hub != nil {
		fmt.Fprintf(c.Writer, "# TYPE nexusdesk_ws_clients gauge\nnexusdesk_ws_clients %d\n", h.hub.ClientCount())
	}
}

func (h *HealthHandler) probe(ctx context.Context, dep dependency) ServiceInfo {
	start := time.Now()
	err := dep.check(ctx)
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.Warnf("health check %s failed: %v", dep.name, err)
	}
	return info
}

func (h *HealthHandler) aiInfo() ServiceInfo {
	if h.ai == nil {
		return ServiceInfo{Status: "disabled"}
	}
	stats := h.ai.BreakerStats()
	if stats == nil {
		return ServiceInfo{Status: "healthy", Details: map[string]interface{}{"breaker": "disabled"}}
	}
	state, _ := stats["state"].(string)
	status := "healthy"
	if state == "open" {
		status = "open"
	}
	return ServiceInfo{Status: status, Details: stats}
}
