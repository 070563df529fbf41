package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nexusdesk/internal/models"
	"nexusdesk/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store 基于 gorm 的持久化实现，同时满足 services 中的
// TicketStore、UsageCounter、PlanProvider、CompanyDirectory。
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

var (
	_ services.TicketStore      = (*Store)(nil)
	_ services.UsageCounter     = (*Store)(nil)
	_ services.PlanProvider     = (*Store)(nil)
	_ services.CompanyDirectory = (*Store)(nil)
)

// NewStore 创建存储
func NewStore(db *gorm.DB, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{db: db, logger: logger}
}

// AutoMigrate 迁移全部表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Company{}, &models.User{}, &models.Ticket{})
}

// CreateTicket 新建工单，版本号从 1 开始
func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	t.Version = 1
	return s.db.WithContext(ctx).Create(t).Error
}

// GetTicket 按 (company_id, id) 读取
func (s *Store) GetTicket(ctx context.Context, companyID, ticketID string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", ticketID, companyID).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, services.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &t, nil
}

// ListTickets 分页列出，按创建时间倒序
func (s *Store) ListTickets(ctx context.Context, companyID string, f services.TicketFilter) ([]models.Ticket, int64, error) {
	f.Normalize()
	query := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("company_id = ?", companyID)

	if len(f.Status) > 0 {
		query = query.Where("status IN ?", f.Status)
	}
	if f.AssignedAgentID != nil {
		if *f.AssignedAgentID == "" {
			query = query.Where("assigned_agent_id IS NULL")
		} else {
			query = query.Where("assigned_agent_id = ?", *f.AssignedAgentID)
		}
	}
	if f.CreatorID != "" {
		query = query.Where("creator_id = ?", f.CreatorID)
	}
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count tickets: %w", err)
	}

	var tickets []models.Ticket
	offset := (f.Page - 1) * f.PageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(f.PageSize).Find(&tickets).Error; err != nil {
		return nil, 0, fmt.Errorf("list tickets: %w", err)
	}
	return tickets, total, nil
}

// UpdateTicket 乐观锁写回：WHERE version = 旧版本，成功后版本加一。
// 没有命中行时区分工单不存在与版本冲突。
func (s *Store) UpdateTicket(ctx context.Context, t *models.Ticket) error {
	next := *t
	next.Version = t.Version + 1

	res := s.db.WithContext(ctx).
		Model(&next).
		Where("company_id = ? AND version = ?", t.CompanyID, t.Version).
		Select("*").
		Omit("id", "company_id", "created_at").
		Updates(&next)
	if res.Error != nil {
		return fmt.Errorf("update ticket: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
			Where("id = ? AND company_id = ?", t.ID, t.CompanyID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check ticket: %w", err)
		}
		if count == 0 {
			return services.ErrTicketNotFound
		}
		s.logger.WithFields(logrus.Fields{"ticket_id": t.ID, "version": t.Version}).Debug("ticket version conflict")
		return services.ErrVersionConflict
	}
	t.Version = next.Version
	t.UpdatedAt = next.UpdatedAt
	return nil
}

// DeleteTicket 删除工单
func (s *Store) DeleteTicket(ctx context.Context, companyID, ticketID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", ticketID, companyID).
		Delete(&models.Ticket{})
	if res.Error != nil {
		return fmt.Errorf("delete ticket: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return services.ErrTicketNotFound
	}
	return nil
}

// CountUsersByRole 统计指定角色的用户数
func (s *Store) CountUsersByRole(ctx context.Context, companyID string, roles ...models.Role) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("company_id = ? AND role IN ?", companyID, roles).
		Count(&n).Error
	return n, err
}

// CountTicketsSince 统计 since 之后创建的工单
func (s *Store) CountTicketsSince(ctx context.Context, companyID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("company_id = ? AND created_at >= ?", companyID, since.UTC()).
		Count(&n).Error
	return n, err
}

// GetPlan 公司生效套餐
func (s *Store) GetPlan(ctx context.Context, companyID string) (*models.Plan, error) {
	c, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	plan := models.ResolvePlan(c)
	return &plan, nil
}

// GetCompany 读取公司
func (s *Store) GetCompany(ctx context.Context, companyID string) (*models.Company, error) {
	var c models.Company
	err := s.db.WithContext(ctx).Where("id = ?", companyID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, services.ErrCompanyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return &c, nil
}

// SaveCompany 新建或更新公司
func (s *Store) SaveCompany(ctx context.Context, c *models.Company) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// GetUser 读取公司内的用户
func (s *Store) GetUser(ctx context.Context, companyID, userID string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("id = ? AND company_id = ?", userID, companyID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, services.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsers 按角色列出用户；roles 为空时列出全部
func (s *Store) ListUsers(ctx context.Context, companyID string, roles ...models.Role) ([]models.User, error) {
	query := s.db.WithContext(ctx).Where("company_id = ?", companyID)
	if len(roles) > 0 {
		query = query.Where("role IN ?", roles)
	}
	var users []models.User
	if err := query.Order("created_at ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// CreateUser 新建用户
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	return s.db.WithContext(ctx).Create(u).Error
}
