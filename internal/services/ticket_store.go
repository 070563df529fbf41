package services

import (
	"context"
	"time"

	"nexusdesk/internal/models"
)

// TicketFilter 工单列表过滤条件
type TicketFilter struct {
	Status          []models.TicketStatus
	AssignedAgentID *string
	CreatorID       string
	Search          string
	Page            int
	PageSize        int
}

// Normalize 补齐分页默认值
func (f *TicketFilter) Normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

// TicketStore 工单存储协作者。所有方法都以 companyID 为边界，
// 按 (company_id, id) 查询，跨公司的工单等同于不存在。
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicket(ctx context.Context, companyID, ticketID string) (*models.Ticket, error)
	ListTickets(ctx context.Context, companyID string, filter TicketFilter) ([]models.Ticket, int64, error)
	// UpdateTicket 整体写回；ticket.Version 必须等于库中版本，成功后自增
	UpdateTicket(ctx context.Context, ticket *models.Ticket) error
	DeleteTicket(ctx context.Context, companyID, ticketID string) error
}

// UsageCounter 配额计数，每次决策前实时读取
type UsageCounter interface {
	CountUsersByRole(ctx context.Context, companyID string, roles ...models.Role) (int64, error)
	CountTicketsSince(ctx context.Context, companyID string, since time.Time) (int64, error)
}

// PlanProvider 套餐查询
type PlanProvider interface {
	GetPlan(ctx context.Context, companyID string) (*models.Plan, error)
}

// CompanyDirectory 公司与用户目录
type CompanyDirectory interface {
	GetCompany(ctx context.Context, companyID string) (*models.Company, error)
	GetUser(ctx context.Context, companyID, userID string) (*models.User, error)
	ListUsers(ctx context.Context, companyID string, roles ...models.Role) ([]models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}
