package services

import (
	"context"
	"fmt"
	"strings"

	"nexusdesk/internal/models"

	"github.com/sirupsen/logrus"
)

// TicketService 工单的读取与人工管理操作；会话相关的变更走 ThreadEngine
type TicketService struct {
	store  TicketStore
	engine *ThreadEngine
	logger *logrus.Logger
}

// NewTicketService 创建工单服务
func NewTicketService(store TicketStore, engine *ThreadEngine, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// TicketUpdateRequest 更新工单请求（仅坐席/主管）
type TicketUpdateRequest struct {
	Title    *string              `json:"title"`
	Category *string              `json:"category"`
	Priority *string              `json:"priority"`
	Status   *models.TicketStatus `json:"status"`
	AILevel  *int                 `json:"ai_level"`
}

// TicketListRequest 工单列表请求
type TicketListRequest struct {
	Page            int      `form:"page,default=1"`
	PageSize        int      `form:"page_size,default=20"`
	Status          []string `form:"status"`
	AssignedAgentID *string  `form:"assigned_agent_id"`
	Search          string   `form:"search"`
}

// GetTicket 获取工单；终端用户拿到的是公开视图
func (s *TicketService) GetTicket(ctx context.Context, scope Scope, ticketID string) (*models.Ticket, error) {
	t, err := s.engine.Load(ctx, scope, ticketID)
	if err != nil {
		return nil, err
	}
	return ViewFor(scope, t), nil
}

// ListTickets 分页列出公司工单；终端用户只能看到自己的
func (s *TicketService) ListTickets(ctx context.Context, scope Scope, req *TicketListRequest) ([]models.Ticket, int64, error) {
	if err := scope.Validate(); err != nil {
		return nil, 0, err
	}
	filter := TicketFilter{
		AssignedAgentID: req.AssignedAgentID,
		Search:          strings.TrimSpace(req.Search),
		Page:            req.Page,
		PageSize:        req.PageSize,
	}
	for _, st := range req.Status {
		filter.Status = append(filter.Status, models.TicketStatus(st))
	}
	if !scope.Role.IsStaff() {
		filter.CreatorID = scope.ActorID
	}
	filter.Normalize()

	tickets, total, err := s.store.ListTickets(ctx, scope.CompanyID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list tickets: %w", err)
	}
	for i := range tickets {
		tickets[i] = *ViewFor(scope, &tickets[i])
	}
	return tickets, total, nil
}

// UpdateTicket 更新工单属性；显式修改状态是重新打开已关闭工单的唯一途径
func (s *TicketService) UpdateTicket(ctx context.Context, scope Scope, ticketID string, req *TicketUpdateRequest) (*models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	if req.Status != nil && !validStatus(*req.Status) {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidMessage, *req.Status)
	}
	if req.AILevel != nil && *req.AILevel != 1 && *req.AILevel != 2 {
		return nil, fmt.Errorf("%w: ai level must be 1 or 2", ErrInvalidMessage)
	}

	var from models.TicketStatus
	ticket, err := s.engine.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		from = t.Status
		if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
			t.Title = strings.TrimSpace(*req.Title)
		}
		if req.Category != nil {
			t.Category = *req.Category
		}
		if req.Priority != nil {
			t.Priority = *req.Priority
		}
		if req.Status != nil {
			t.Status = *req.Status
		}
		if req.AILevel != nil {
			t.AssignedAILevel = *req.AILevel
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != ticket.Status {
		s.logger.WithFields(logrus.Fields{
			"ticket_id": ticketID,
			"from":      from,
			"to":        ticket.Status,
			"actor":     scope.ActorID,
		}).Info("ticket status changed")
	}
	s.engine.publish(EventTicketUpdated, ticket)
	return ticket, nil
}

// AddInternalNote 添加内部备注，终端用户不可见
func (s *TicketService) AddInternalNote(ctx context.Context, scope Scope, ticketID, text string) (*models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty note", ErrInvalidMessage)
	}
	ticket, err := s.engine.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		t.InternalNotes = append(t.InternalNotes, models.InternalNote{
			AuthorID:  scope.ActorID,
			Text:      text,
			CreatedAt: s.engine.now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.publish(EventTicketUpdated, ticket)
	return ticket, nil
}

// SetSummary 写入工单摘要，同时在会话中追加一条 system_summary 消息
func (s *TicketService) SetSummary(ctx context.Context, scope Scope, ticketID, summary string) (*models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrInvalidMessage)
	}
	ticket, err := s.engine.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		t.Summary = summary
		s.engine.appendMessage(t, s.engine.Notice(scope, models.SenderSystemSummary, summary))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.publish(EventTicketUpdated, ticket)
	return ticket, nil
}

// DeleteTicket 删除工单，仅主管可执行
func (s *TicketService) DeleteTicket(ctx context.Context, scope Scope, ticketID string) error {
	if err := scope.RequireManager(); err != nil {
		return err
	}
	ticket, err := s.engine.Load(ctx, scope, ticketID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTicket(ctx, scope.CompanyID, ticketID); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"ticket_id": ticketID, "actor": scope.ActorID}).Info("ticket deleted")
	s.engine.publish(EventTicketDeleted, ticket)
	return nil
}

// ViewFor 终端用户只能看到公开视图
func ViewFor(scope Scope, t *models.Ticket) *models.Ticket {
	if scope.Role.IsStaff() {
		return t
	}
	return t.PublicView()
}

func validStatus(s models.TicketStatus) bool {
	switch s {
	case models.TicketStatusOpen, models.TicketStatusInProgress, models.TicketStatusResolved, models.TicketStatusClosed:
		return true
	}
	return false
}
