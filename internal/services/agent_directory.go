package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"nexusdesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AddAgentRequest 新增坐席/主管
type AddAgentRequest struct {
	Email string      `json:"email" binding:"required"`
	Name  string      `json:"name"`
	Role  models.Role `json:"role"`
}

// AgentDirectory 坐席管理；新增前按套餐检查坐席上限
type AgentDirectory struct {
	directory CompanyDirectory
	quota     *QuotaGuard
	locker    TicketLocker
	logger    *logrus.Logger
}

func NewAgentDirectory(directory CompanyDirectory, quota *QuotaGuard, locker TicketLocker, logger *logrus.Logger) *AgentDirectory {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &AgentDirectory{
		directory: directory,
		quota:     quota,
		locker:    locker,
		logger:    logger,
	}
}

// AddAgent 新增坐席。配额拒绝时返回 *QuotaError，且不会创建任何用户。
func (d *AgentDirectory) AddAgent(ctx context.Context, scope Scope, req AddAgentRequest) (*models.User, error) {
	if err := scope.RequireManager(); err != nil {
		return nil, err
	}
	role := req.Role
	if role == "" {
		role = models.RoleAgent
	}
	if !role.IsStaff() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidMessage, role)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidMessage, req.Email)
	}

	// 同一公司的新增串行化，检查与写入之间人数不变
	unlock, err := d.locker.Lock(ctx, "agents:"+scope.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("lock company: %w", err)
	}
	defer unlock()

	decision, err := d.quota.CheckAgentAddition(ctx, scope.CompanyID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &QuotaError{Decision: decision}
	}

	user := &models.User{
		ID:        uuid.NewString(),
		CompanyID: scope.CompanyID,
		Email:     strings.ToLower(addr.Address),
		Name:      orDefault(req.Name, addr.Name),
		Role:      role,
	}
	if err := d.directory.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"company_id": scope.CompanyID,
		"user_id":    user.ID,
		"role":       role,
	}).Info("agent added")
	return user, nil
}

// ListAgents 列出公司的坐席与主管
func (d *AgentDirectory) ListAgents(ctx context.Context, scope Scope) ([]models.User, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	return d.directory.ListUsers(ctx, scope.CompanyID, models.RoleAgent, models.RoleManager)
}
