package models

// PlanTier 套餐档位
type PlanTier string

const (
	PlanFreemium PlanTier = "freemium"
	PlanStandard PlanTier = "standard"
	PlanPro      PlanTier = "pro"
)

// Feature 受套餐控制的功能开关
type Feature string

const (
	FeatureVoice                 Feature = "voice"
	FeatureAppointmentScheduling Feature = "appointment_scheduling"
	FeatureAdvancedReports       Feature = "advanced_reports"
	FeaturePrioritySupport       Feature = "priority_support"
)

// Plan 套餐限额与功能
type Plan struct {
	Tier                PlanTier         `json:"tier"`
	MaxAgents           int              `json:"maxAgents"`
	MaxTicketsPerMonth  int              `json:"maxTicketsPerMonth"`
	HasUnlimitedTickets bool             `json:"hasUnlimitedTickets"`
	Features            map[Feature]bool `json:"featureFlags"`
}

// HasFeature 功能开关查询
func (p *Plan) HasFeature(f Feature) bool {
	if p == nil {
		return false
	}
	return p.Features[f]
}

// DefaultPlans 内置套餐目录
func DefaultPlans() map[PlanTier]Plan {
	return map[PlanTier]Plan{
		PlanFreemium: {
			Tier:               PlanFreemium,
			MaxAgents:          3,
			MaxTicketsPerMonth: 200,
			Features:           map[Feature]bool{},
		},
		PlanStandard: {
			Tier:               PlanStandard,
			MaxAgents:          10,
			MaxTicketsPerMonth: 1000,
			Features: map[Feature]bool{
				FeatureVoice:                 true,
				FeatureAppointmentScheduling: true,
			},
		},
		PlanPro: {
			Tier:                PlanPro,
			MaxAgents:           50,
			HasUnlimitedTickets: true,
			Features: map[Feature]bool{
				FeatureVoice:                 true,
				FeatureAppointmentScheduling: true,
				FeatureAdvancedReports:       true,
				FeaturePrioritySupport:       true,
			},
		},
	}
}

// ResolvePlan 根据公司档位与覆盖值得到生效套餐；未知档位按免费版处理
func ResolvePlan(c *Company) Plan {
	plans := DefaultPlans()
	plan, ok := plans[c.PlanTier]
	if !ok {
		plan = plans[PlanFreemium]
	}
	if c.MaxAgentsOverride > 0 {
		plan.MaxAgents = c.MaxAgentsOverride
	}
	if c.MaxTicketsPerMonthOverride > 0 {
		plan.MaxTicketsPerMonth = c.MaxTicketsPerMonthOverride
	}
	return plan
}
