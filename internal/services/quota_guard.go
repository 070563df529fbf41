package services

import (
	"context"
	"fmt"
	"time"

	"nexusdesk/internal/metrics"
	"nexusdesk/internal/models"

	"github.com/sirupsen/logrus"
)

// 拒绝原因
const (
	ReasonTicketLimitReached = "ticket_limit_reached"
	ReasonAgentLimitReached  = "agent_limit_reached"
	ReasonFeatureNotInPlan   = "feature_not_in_plan"
)

// Decision 配额判定结果；拒绝不是错误，而是结构化结果
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Limit   int64  `json:"limit"`
	Used    int64  `json:"used"`
}

// EvaluateTicketCreation 纯函数：本月已建工单数达到上限即拒绝（等于上限也拒绝）
func EvaluateTicketCreation(plan models.Plan, usedThisMonth int64) Decision {
	if plan.HasUnlimitedTickets {
		return Decision{Allowed: true, Limit: -1, Used: usedThisMonth}
	}
	limit := int64(plan.MaxTicketsPerMonth)
	if usedThisMonth >= limit {
		return Decision{Allowed: false, Reason: ReasonTicketLimitReached, Limit: limit, Used: usedThisMonth}
	}
	return Decision{Allowed: true, Limit: limit, Used: usedThisMonth}
}

// EvaluateAgentAddition 纯函数：坐席+主管人数达到上限即拒绝
func EvaluateAgentAddition(plan models.Plan, staffCount int64) Decision {
	limit := int64(plan.MaxAgents)
	if staffCount >= limit {
		return Decision{Allowed: false, Reason: ReasonAgentLimitReached, Limit: limit, Used: staffCount}
	}
	return Decision{Allowed: true, Limit: limit, Used: staffCount}
}

// MonthStart 参考时区下当前自然月的第一个瞬间
func MonthStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

// QuotaGuard 套餐配额守卫。计数器每次都实时读取，不做缓存。
type QuotaGuard struct {
	plans  PlanProvider
	usage  UsageCounter
	loc    *time.Location
	now    func() time.Time
	logger *logrus.Logger
}

// NewQuotaGuard 创建配额守卫；loc 为统一的参考时区
func NewQuotaGuard(plans PlanProvider, usage UsageCounter, loc *time.Location, logger *logrus.Logger) *QuotaGuard {
	if logger == nil {
		logger = logrus.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaGuard{
		plans:  plans,
		usage:  usage,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
}

// CheckTicketCreation 是否还能创建工单
func (g *QuotaGuard) CheckTicketCreation(ctx context.Context, companyID string) (Decision, error) {
	plan, err := g.plans.GetPlan(ctx, companyID)
	if err != nil {
		return Decision{}, fmt.Errorf("load plan: %w", err)
	}
	if plan.HasUnlimitedTickets {
		return EvaluateTicketCreation(*plan, 0), nil
	}

	since := MonthStart(g.now(), g.loc)
	used, err := g.usage.CountTicketsSince(ctx, companyID, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count tickets: %w", err)
	}

	d := EvaluateTicketCreation(*plan, used)
	if !d.Allowed {
		metrics.IncQuotaDenied(d.Reason)
		g.logger.WithFields(logrus.Fields{
			"company_id": companyID,
			"used":       d.Used,
			"limit":      d.Limit,
		}).Info("ticket creation denied by plan quota")
	}
	return d, nil
}

// CheckAgentAddition 是否还能新增坐席
func (g *QuotaGuard) CheckAgentAddition(ctx context.Context, companyID string) (Decision, error) {
	plan, err := g.plans.GetPlan(ctx, companyID)
	if err != nil {
		return Decision{}, fmt.Errorf("load plan: %w", err)
	}
	count, err := g.usage.CountUsersByRole(ctx, companyID, models.RoleAgent, models.RoleManager)
	if err != nil {
		return Decision{}, fmt.Errorf("count staff: %w", err)
	}

	d := EvaluateAgentAddition(*plan, count)
	if !d.Allowed {
		metrics.IncQuotaDenied(d.Reason)
		g.logger.WithFields(logrus.Fields{
			"company_id": companyID,
			"used":       d.Used,
			"limit":      d.Limit,
		}).Info("agent addition denied by plan quota")
	}
	return d, nil
}

// CheckFeature 功能开关查询；调用方必须在真正变更时再次调用，不能只依赖前端判断
func (g *QuotaGuard) CheckFeature(ctx context.Context, companyID string, feature models.Feature) (bool, error) {
	plan, err := g.plans.GetPlan(ctx, companyID)
	if err != nil {
		return false, fmt.Errorf("load plan: %w", err)
	}
	return plan.HasFeature(feature), nil
}

// RequireFeature 功能不在套餐内时返回 QuotaError
func (g *QuotaGuard) RequireFeature(ctx context.Context, companyID string, feature models.Feature) error {
	ok, err := g.CheckFeature(ctx, companyID, feature)
	if err != nil {
		return err
	}
	if !ok {
		metrics.IncQuotaDenied(ReasonFeatureNotInPlan)
		return &QuotaError{Decision: Decision{Allowed: false, Reason: ReasonFeatureNotInPlan}}
	}
	return nil
}

// UsageReport 公司当前套餐与用量，用于前端展示；不计入拒绝统计
type UsageReport struct {
	Plan    models.Plan `json:"plan"`
	Tickets Decision    `json:"tickets"`
	Agents  Decision    `json:"agents"`
}

// Usage 汇总当月工单与坐席用量
func (g *QuotaGuard) Usage(ctx context.Context, companyID string) (*UsageReport, error) {
	plan, err := g.plans.GetPlan(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	used, err := g.usage.CountTicketsSince(ctx, companyID, MonthStart(g.now(), g.loc))
	if err != nil {
		return nil, fmt.Errorf("count tickets: %w", err)
	}
	staff, err := g.usage.CountUsersByRole(ctx, companyID, models.RoleAgent, models.RoleManager)
	if err != nil {
		return nil, fmt.Errorf("count staff: %w", err)
	}
	return &UsageReport{
		Plan:    *plan,
		Tickets: EvaluateTicketCreation(*plan, used),
		Agents:  EvaluateAgentAddition(*plan, staff),
	}, nil
}
