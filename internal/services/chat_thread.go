package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nexusdesk/internal/metrics"
	"nexusdesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const maxVersionRetries = 3

// AppendResult 追加消息的结果
type AppendResult struct {
	Ticket *models.Ticket `json:"ticket"`
	// AIInvoked 本次是否调用了 AI（调用方据此决定是否自动朗读）
	AIInvoked bool `json:"ai_invoked"`
	// Reply 追加到会话里的 AI 消息；未调用或已被丢弃时为 nil
	Reply *models.ChatMessage `json:"reply,omitempty"`
	// Discarded AI 返回时工单已被人工接管，回复被丢弃
	Discarded bool `json:"discarded,omitempty"`
}

// OpenTicketRequest 新建工单
type OpenTicketRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	// Message 第一条用户消息；为空时不触发 AI
	Message string `json:"message"`
	Locale  string `json:"locale"`
	AILevel int    `json:"ai_level"`
}

// ThreadEngine 工单会话引擎：追加消息、推导状态、决定是否调用 AI
type ThreadEngine struct {
	store     TicketStore
	directory CompanyDirectory
	quota     *QuotaGuard
	ai        Responder
	locker    TicketLocker
	publisher TicketPublisher
	logger    *logrus.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	seq      uint64
}

// NewThreadEngine 创建会话引擎；ai 为 nil 时不自动回复
func NewThreadEngine(store TicketStore, directory CompanyDirectory, quota *QuotaGuard, ai Responder, locker TicketLocker, logger *logrus.Logger) *ThreadEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &ThreadEngine{
		store:     store,
		directory: directory,
		quota:     quota,
		ai:        ai,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[string]map[uint64]context.CancelFunc),
	}
}

// SetPublisher 设置事件发布者（websocket hub）
func (e *ThreadEngine) SetPublisher(p TicketPublisher) {
	e.publisher = p
}

// OpenTicket 创建工单。先做配额检查，拒绝时不写入任何数据。
func (e *ThreadEngine) OpenTicket(ctx context.Context, scope Scope, req OpenTicketRequest) (*AppendResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidMessage)
	}

	// 同一公司的建单串行化，保证检查与写入之间计数不变
	unlock, err := e.locker.Lock(ctx, "company:"+scope.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("lock company: %w", err)
	}
	ticket, err := e.createTicket(ctx, scope, req)
	unlock()
	if err != nil {
		return nil, err
	}

	e.publish(EventTicketCreated, ticket)
	res := &AppendResult{Ticket: ticket}
	if ticket.LastMessage() != nil && !ticket.HasHumanAgent() {
		e.respond(ctx, scope, ticket, res)
	}
	return res, nil
}

func (e *ThreadEngine) createTicket(ctx context.Context, scope Scope, req OpenTicketRequest) (*models.Ticket, error) {
	d, err := e.quota.CheckTicketCreation(ctx, scope.CompanyID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &QuotaError{Decision: d}
	}

	level := req.AILevel
	if level != 2 {
		level = 1
	}
	now := e.now().UTC()
	ticket := &models.Ticket{
		ID:              uuid.NewString(),
		CompanyID:       scope.CompanyID,
		CreatorID:       scope.ActorID,
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		Category:        req.Category,
		Priority:        orDefault(req.Priority, "medium"),
		Status:          models.TicketStatusOpen,
		AssignedAILevel: level,
		Locale:          req.Locale,
		ChatHistory:     []models.ChatMessage{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if text := strings.TrimSpace(req.Message); text != "" {
		ticket.ChatHistory = append(ticket.ChatHistory, models.ChatMessage{
			ID:        uuid.NewString(),
			Sender:    models.SenderUser,
			Text:      text,
			Timestamp: now,
		})
	}

	if err := e.store.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"ticket_id":  ticket.ID,
		"company_id": ticket.CompanyID,
	}).Info("ticket opened")
	return ticket, nil
}

// AppendInboundMessage 追加用户或坐席消息，推导状态变化；
// 工单没有人工坐席且发送方为用户时调用 AI 并把回复追加为 ai 消息。
func (e *ThreadEngine) AppendInboundMessage(ctx context.Context, scope Scope, ticketID string, sender models.MessageSender, text string) (*AppendResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	switch sender {
	case models.SenderUser:
	case models.SenderAgent:
		if err := scope.RequireStaff(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: sender %q cannot post inbound messages", ErrInvalidMessage, sender)
	}

	msg := models.ChatMessage{
		ID:     uuid.NewString(),
		Sender: sender,
		Text:   text,
	}
	if sender == models.SenderAgent {
		msg.AgentID = scope.ActorID
	}

	ticket, err := e.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		e.appendMessage(t, msg)
		t.Status = NextStatus(t.Status, sender)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(EventTicketMessage, ticket)

	res := &AppendResult{Ticket: ticket}
	if sender == models.SenderUser && !ticket.HasHumanAgent() {
		e.respond(ctx, scope, ticket, res)
	}
	return res, nil
}

// AppendNotice 追加系统通知（预约变化等）：不改变状态，不触发 AI
func (e *ThreadEngine) AppendNotice(ctx context.Context, scope Scope, ticketID string, sender models.MessageSender, text string) (*models.Ticket, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: sender %q", ErrInvalidMessage, sender)
	}
	ticket, err := e.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		e.appendMessage(t, e.Notice(scope, sender, text))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(EventTicketMessage, ticket)
	return ticket, nil
}

// Notice 构造一条通知消息，时间戳在追加时填写
func (e *ThreadEngine) Notice(scope Scope, sender models.MessageSender, text string) models.ChatMessage {
	msg := models.ChatMessage{ID: uuid.NewString(), Sender: sender, Text: text}
	if sender == models.SenderAgent {
		msg.AgentID = scope.ActorID
	}
	return msg
}

// AssignAgent 人工接管：此后不再自动调用 AI，进行中的 AI 调用被取消
func (e *ThreadEngine) AssignAgent(ctx context.Context, scope Scope, ticketID, agentID string) (*models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	agent, err := e.directory.GetUser(ctx, scope.CompanyID, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Role.IsStaff() {
		return nil, fmt.Errorf("%w: user %s is not an agent", ErrForbidden, agentID)
	}

	id := agent.ID
	ticket, err := e.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		t.AssignedAgentID = &id
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n := e.cancelInflight(ticketID); n > 0 {
		e.logger.WithFields(logrus.Fields{"ticket_id": ticketID, "calls": n}).Info("cancelled in-flight AI calls after takeover")
	}
	e.publish(EventTicketAssigned, ticket)
	return ticket, nil
}

// UnassignAgent 取消人工接管，之后的用户消息重新由 AI 回复
func (e *ThreadEngine) UnassignAgent(ctx context.Context, scope Scope, ticketID string) (*models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	ticket, err := e.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		t.AssignedAgentID = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(EventTicketAssigned, ticket)
	return ticket, nil
}

// Mutate 在工单锁内加载、修改、写回。版本冲突时重新加载重试。
// 工单总是按 (company_id, id) 读取，其他公司的工单视为不存在。
func (e *ThreadEngine) Mutate(ctx context.Context, scope Scope, ticketID string, fn func(t *models.Ticket) error) (*models.Ticket, error) {
	return e.mutate(ctx, scope, ticketID, fn, nil)
}

// mutate 同 Mutate；committed 在写入成功后、释放工单锁之前执行
func (e *ThreadEngine) mutate(ctx context.Context, scope Scope, ticketID string, fn func(t *models.Ticket) error, committed func(t *models.Ticket)) (*models.Ticket, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	unlock, err := e.locker.Lock(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("lock ticket: %w", err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		ticket, err := e.load(ctx, scope, ticketID)
		if err != nil {
			return nil, err
		}
		if err := fn(ticket); err != nil {
			return nil, err
		}
		ticket.UpdatedAt = e.now().UTC()
		err = e.store.UpdateTicket(ctx, ticket)
		if err == nil {
			if committed != nil {
				committed(ticket)
			}
			return ticket, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt+1 >= maxVersionRetries {
			return nil, err
		}
		e.logger.WithField("ticket_id", ticketID).Debug("version conflict, retrying")
	}
}

// Load 读取工单并做租户与归属校验
func (e *ThreadEngine) Load(ctx context.Context, scope Scope, ticketID string) (*models.Ticket, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return e.load(ctx, scope, ticketID)
}

func (e *ThreadEngine) load(ctx context.Context, scope Scope, ticketID string) (*models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, scope.CompanyID, ticketID)
	if err != nil {
		return nil, err
	}
	if err := scope.ownsTicket(ticket); err != nil {
		return nil, err
	}
	// 终端用户只能访问自己创建的工单
	if scope.Role == models.RoleUser && ticket.CreatorID != scope.ActorID {
		return nil, ErrTicketNotFound
	}
	return ticket, nil
}

// appendMessage 追加消息并保证时间戳单调不减
func (e *ThreadEngine) appendMessage(t *models.Ticket, msg models.ChatMessage) {
	ts := e.now().UTC()
	if last := t.LastMessage(); last != nil && ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	msg.Timestamp = ts
	t.ChatHistory = append(t.ChatHistory, msg)
}

// respond 在锁外调用 AI，返回后重新加载工单；此时若已被人工接管则丢弃回复
func (e *ThreadEngine) respond(ctx context.Context, scope Scope, ticket *models.Ticket, res *AppendResult) {
	if e.ai == nil {
		return
	}
	company, err := e.directory.GetCompany(ctx, scope.CompanyID)
	if err != nil {
		e.logger.WithError(err).WithField("company_id", scope.CompanyID).Error("load company for AI reply")
		return
	}

	// 客户端断开不影响回复落库；人工接管会取消这个 ctx
	aiCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	token := e.trackInflight(ticket.ID, cancel)
	res.AIInvoked = true
	reply := e.ai.Respond(aiCtx, company, ticket)
	e.untrackInflight(ticket.ID, token)
	cancel()

	// 以系统身份写回，不受用户角色的归属限制影响
	sys := Scope{CompanyID: scope.CompanyID, ActorID: scope.ActorID, Role: models.RoleAgent}
	discarded := false
	updated, err := e.Mutate(context.WithoutCancel(ctx), sys, ticket.ID, func(t *models.Ticket) error {
		if t.HasHumanAgent() {
			discarded = true
			return errDiscardAIReply
		}
		e.appendMessage(t, reply.Message)
		recordAIMetadata(t, reply.Message)
		return nil
	})
	if discarded {
		metrics.IncAIOutcome(metrics.AIOutcomeDiscarded)
		e.logger.WithField("ticket_id", ticket.ID).Info("AI reply discarded, ticket taken over by an agent")
		res.Discarded = true
		if t, err := e.load(context.WithoutCancel(ctx), sys, ticket.ID); err == nil {
			res.Ticket = t
		}
		return
	}
	if err != nil {
		e.logger.WithError(err).WithField("ticket_id", ticket.ID).Error("append AI reply")
		return
	}

	res.Ticket = updated
	last := *updated.LastMessage()
	res.Reply = &last
	e.publish(EventTicketMessage, updated)
}

var errDiscardAIReply = errors.New("ai reply discarded")

// recordAIMetadata 把最近一次的画像与问诊数据记到工单元数据上，供坐席查看
func recordAIMetadata(t *models.Ticket, msg models.ChatMessage) {
	if msg.AIProfileKey == "" && len(msg.IntakeData) == 0 {
		return
	}
	if t.Metadata == nil {
		t.Metadata = datatypes.JSONMap{}
	}
	if msg.AIProfileKey != "" {
		t.Metadata["ai_profile_key"] = msg.AIProfileKey
	}
	if len(msg.IntakeData) > 0 {
		t.Metadata["intake_data"] = msg.IntakeData
	}
}

func (e *ThreadEngine) trackInflight(ticketID string, cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	calls, ok := e.inflight[ticketID]
	if !ok {
		calls = make(map[uint64]context.CancelFunc)
		e.inflight[ticketID] = calls
	}
	calls[e.seq] = cancel
	return e.seq
}

func (e *ThreadEngine) untrackInflight(ticketID string, token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if calls, ok := e.inflight[ticketID]; ok {
		delete(calls, token)
		if len(calls) == 0 {
			delete(e.inflight, ticketID)
		}
	}
}

func (e *ThreadEngine) cancelInflight(ticketID string) int {
	e.mu.Lock()
	calls := e.inflight[ticketID]
	delete(e.inflight, ticketID)
	e.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}
	return len(calls)
}

func (e *ThreadEngine) publish(eventType string, t *models.Ticket) {
	if e.publisher == nil || t == nil {
		return
	}
	e.publisher.Publish(TicketEvent{
		Type:      eventType,
		CompanyID: t.CompanyID,
		TicketID:  t.ID,
		Ticket:    t,
		Timestamp: e.now(),
	})
}

// NextStatus 消息带来的状态变化：
// 用户消息把 resolved/closed 重新打开为 in_progress；
// 坐席消息把 open/resolved 推进到 in_progress，closed 保持不变；
// ai 和 system_summary 不改变状态。
func NextStatus(current models.TicketStatus, sender models.MessageSender) models.TicketStatus {
	switch sender {
	case models.SenderUser:
		if current == models.TicketStatusResolved || current == models.TicketStatusClosed {
			return models.TicketStatusInProgress
		}
	case models.SenderAgent:
		if current == models.TicketStatusOpen || current == models.TicketStatusResolved {
			return models.TicketStatusInProgress
		}
	}
	return current
}
