package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nexusdesk/internal/config"
	"nexusdesk/internal/llm"
	"nexusdesk/internal/metrics"
	"nexusdesk/internal/models"
	"nexusdesk/pkg/knowledge"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Responder 为工单生成 AI 回复；ChatThreadEngine 只依赖这个接口
type Responder interface {
	Respond(ctx context.Context, company *models.Company, ticket *models.Ticket) AIReply
}

// AIReply 一次 AI 调用的结果。Fallback 为 true 时 Message 是兜底文案，Err 只用于日志。
type AIReply struct {
	Message  models.ChatMessage
	Fallback bool
	Err      error
}

// AIRouter 选择画像、构造提示词、调用模型并解析输出
type AIRouter struct {
	profiles      *ProfileSet
	model         llm.Model
	knowledge     knowledge.Searcher
	breaker       *CircuitBreaker
	timeout       time.Duration
	defaultLocale string
	logger        *logrus.Logger
}

// NewAIRouter 创建 AI 路由；model 为 nil 时所有请求直接走兜底回复，searcher 可为 nil
func NewAIRouter(model llm.Model, searcher knowledge.Searcher, cfg config.AIConfig, logger *logrus.Logger) *AIRouter {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	r := &AIRouter{
		profiles:      NewProfileSet(cfg),
		model:         model,
		knowledge:     searcher,
		timeout:       timeout,
		defaultLocale: orDefault(cfg.DefaultLocale, "en"),
		logger:        logger,
	}
	if cfg.Breaker.Enabled {
		r.breaker = NewCircuitBreaker(cfg.Breaker)
	}
	return r
}

// SelectProfile 为公司选择画像
func (r *AIRouter) SelectProfile(company *models.Company) Profile {
	return r.profiles.Select(profileContextOf(company))
}

// BuildPrompt 构造系统指令
func (r *AIRouter) BuildPrompt(profile Profile, pc PromptContext) string {
	return profile.BuildPrompt(pc)
}

// ParseModelOutput 按画像规则解析模型输出
func (r *AIRouter) ParseModelOutput(profile Profile, raw string) (*ModelReply, error) {
	return profile.ParseOutput(raw)
}

// BreakerStats 熔断器状态；未启用时返回 nil
func (r *AIRouter) BreakerStats() map[string]interface{} {
	if r.breaker == nil {
		return nil
	}
	return r.breaker.Stats()
}

// Respond 生成回复。任何失败都被吸收为本地化的兜底消息，并建议升级人工。
func (r *AIRouter) Respond(ctx context.Context, company *models.Company, ticket *models.Ticket) AIReply {
	profile := r.SelectProfile(company)
	locale := r.localeFor(company, ticket)

	reply, err := r.generate(ctx, profile, company, ticket, locale)
	if err != nil {
		metrics.IncAIOutcome(metrics.AIOutcomeFallback)
		r.logger.WithFields(logrus.Fields{
			"ticket_id":  ticket.ID,
			"company_id": ticket.CompanyID,
			"profile":    profile.Key,
		}).WithError(err).Warn("AI response failed, using fallback")
		return AIReply{
			Message: models.ChatMessage{
				ID:                  uuid.NewString(),
				Sender:              models.SenderAI,
				Text:                localize(locale, msgAIFallback),
				AIProfileKey:        profile.Key,
				EscalationSuggested: true,
				Fallback:            true,
			},
			Fallback: true,
			Err:      err,
		}
	}

	metrics.IncAIOutcome(metrics.AIOutcomeOK)
	return AIReply{
		Message: models.ChatMessage{
			ID:                  uuid.NewString(),
			Sender:              models.SenderAI,
			Text:                reply.ResponseText,
			AIProfileKey:        profile.Key,
			IntakeData:          reply.IntakeData,
			InternalSummary:     reply.InternalSummary,
			EscalationSuggested: reply.EscalationSuggested,
		},
	}
}

func (r *AIRouter) generate(ctx context.Context, profile Profile, company *models.Company, ticket *models.Ticket, locale string) (*ModelReply, error) {
	if r.model == nil {
		return nil, ErrModelUnavailable
	}
	if r.breaker != nil && !r.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrModelUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tracer := otel.Tracer("nexusdesk/ai")
	ctx, span := tracer.Start(ctx, "AIRouter.generate")
	span.SetAttributes(
		attribute.String("model", r.model.Name()),
		attribute.String("ai.profile", profile.Key),
		attribute.String("ticket.id", ticket.ID),
	)
	defer span.End()

	pc := PromptContext{
		CompanyName:    companyName(company),
		TicketTitle:    ticket.Title,
		TicketCategory: ticket.Category,
		Level:          ticket.AssignedAILevel,
		Locale:         locale,
		Knowledge:      r.lookupKnowledge(ctx, company, ticket),
	}
	req := llm.Request{
		SystemInstruction: r.BuildPrompt(profile, pc),
		Conversation:      BuildConversation(ticket.ChatHistory),
	}

	raw, err := r.model.Generate(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		// 调用方取消（例如人工接管）不计入熔断
		if !errors.Is(err, context.Canceled) {
			r.breakerFailure()
		}
		return nil, err
	}
	r.breakerSuccess()

	reply, err := r.ParseModelOutput(profile, raw)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.logger.WithField("ticket_id", ticket.ID).Debugf("unparseable model output: %q", truncate(raw, 500))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("ai.escalation_suggested", reply.EscalationSuggested))
	return reply, nil
}

// lookupKnowledge 检索失败不影响回复，只是没有参考资料
func (r *AIRouter) lookupKnowledge(ctx context.Context, company *models.Company, ticket *models.Ticket) []string {
	if r.knowledge == nil || company == nil || company.AISettings.KnowledgeBaseID == "" {
		return nil
	}
	query := ticket.Title
	if last := lastUserMessage(ticket.ChatHistory); last != "" {
		query = last
	}
	passages, err := r.knowledge.Search(ctx, company.ID, company.AISettings.KnowledgeBaseID, query)
	if err != nil {
		r.logger.WithError(err).WithField("company_id", company.ID).Warn("knowledge search failed")
		return nil
	}
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		if p.Title != "" {
			out = append(out, p.Title+"\n"+p.Content)
			continue
		}
		out = append(out, p.Content)
	}
	return out
}

func (r *AIRouter) localeFor(company *models.Company, ticket *models.Ticket) string {
	if ticket != nil && ticket.Locale != "" {
		return ticket.Locale
	}
	if company != nil && company.AISettings.Locale != "" {
		return company.AISettings.Locale
	}
	return r.defaultLocale
}

func (r *AIRouter) breakerFailure() {
	if r.breaker != nil {
		r.breaker.OnFailure()
	}
}

func (r *AIRouter) breakerSuccess() {
	if r.breaker != nil {
		r.breaker.OnSuccess()
	}
}

// BuildConversation 把工单会话映射为模型会话：user → user，ai/agent → model，system_summary 跳过
func BuildConversation(history []models.ChatMessage) []llm.Turn {
	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		switch m.Sender {
		case models.SenderUser:
			turns = append(turns, llm.Turn{Role: llm.RoleUser, Text: m.Text})
		case models.SenderAI, models.SenderAgent:
			turns = append(turns, llm.Turn{Role: llm.RoleModel, Text: m.Text})
		}
	}
	return turns
}

func profileContextOf(company *models.Company) ProfileContext {
	if company == nil {
		return ProfileContext{}
	}
	return ProfileContext{
		CompanyID:   company.ID,
		CompanyName: company.Name,
		Settings:    company.AISettings,
	}
}

func companyName(company *models.Company) string {
	if company == nil {
		return ""
	}
	return company.Name
}

func lastUserMessage(history []models.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == models.SenderUser {
			return history[i].Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
