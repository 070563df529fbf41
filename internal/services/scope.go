package services

import (
	"fmt"

	"nexusdesk/internal/models"
)

// Scope 每个操作的调用方上下文，所有读写都以 CompanyID 为边界
type Scope struct {
	CompanyID string
	ActorID   string
	Role      models.Role
}

// Validate 在读取任何工单内容之前检查租户边界
func (s Scope) Validate() error {
	if s.CompanyID == "" {
		return ErrTenantRequired
	}
	return nil
}

// RequireStaff 仅允许坐席/主管
func (s Scope) RequireStaff() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !s.Role.IsStaff() {
		return fmt.Errorf("%w: %s", ErrForbidden, s.Role)
	}
	return nil
}

// RequireManager 仅允许主管
func (s Scope) RequireManager() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Role != models.RoleManager {
		return fmt.Errorf("%w: %s", ErrForbidden, s.Role)
	}
	return nil
}

// ownsTicket 双重校验：存储层已按公司过滤，这里再确认一次
func (s Scope) ownsTicket(t *models.Ticket) error {
	if t == nil || t.CompanyID != s.CompanyID {
		return ErrTicketNotFound
	}
	return nil
}
