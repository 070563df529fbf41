package models

import (
	"time"

	"gorm.io/datatypes"
)

// 角色
type Role string

const (
	RoleUser    Role = "user"
	RoleAgent   Role = "agent"
	RoleManager Role = "manager"
)

// IsStaff 坐席或主管
func (r Role) IsStaff() bool {
	return r == RoleAgent || r == RoleManager
}

// 公司（租户）
type Company struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	Name       string     `gorm:"not null" json:"name"`
	PlanTier   PlanTier   `gorm:"size:32;default:'freemium'" json:"plan_tier"`
	AISettings AISettings `gorm:"serializer:json;type:text" json:"ai_settings"`
	// 单独为某公司放宽/收紧的限额，0 表示沿用套餐
	MaxAgentsOverride          int       `json:"max_agents_override"`
	MaxTicketsPerMonthOverride int       `json:"max_tickets_per_month_override"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// AISettings 公司级 AI 助手设置
type AISettings struct {
	ProfileKey      string `json:"ai_profile_key,omitempty"`
	Locale          string `json:"locale,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
}

// 用户（终端用户、坐席、主管共用）
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CompanyID string    `gorm:"index;size:64;not null" json:"company_id"`
	Email     string    `gorm:"not null" json:"email"`
	Name      string    `json:"name"`
	Role      Role      `gorm:"size:16;index;default:'user'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 工单状态
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// 工单模型
type Ticket struct {
	ID                 string              `gorm:"primaryKey;size:64" json:"id"`
	CompanyID          string              `gorm:"index:idx_tickets_company_created,priority:1;size:64;not null" json:"company_id"`
	CreatorID          string              `gorm:"index;size:64" json:"creator_id"`
	Title              string              `gorm:"not null" json:"title"`
	Description        string              `gorm:"type:text" json:"description"`
	Category           string              `json:"category"`
	Priority           string              `gorm:"default:'medium'" json:"priority"` // low, medium, high
	Status             TicketStatus        `gorm:"size:16;index;default:'open'" json:"status"`
	ChatHistory        []ChatMessage       `gorm:"serializer:json;type:text" json:"chat_history"`
	AssignedAgentID    *string             `gorm:"index;size:64" json:"assigned_agent_id"`
	AssignedAILevel    int                 `gorm:"default:1" json:"assigned_ai_level"`
	InternalNotes      []InternalNote      `gorm:"serializer:json;type:text" json:"internal_notes,omitempty"`
	CurrentAppointment *AppointmentDetails `gorm:"serializer:json;type:text" json:"current_appointment"`
	Summary            string              `gorm:"type:text" json:"summary"`
	Metadata           datatypes.JSONMap   `json:"metadata,omitempty"`
	Locale             string              `gorm:"size:16" json:"locale,omitempty"`
	Version            int64               `gorm:"not null;default:0" json:"version"`
	CreatedAt          time.Time           `gorm:"index:idx_tickets_company_created,priority:2" json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// HasHumanAgent 是否已被人工接管
func (t *Ticket) HasHumanAgent() bool {
	return t.AssignedAgentID != nil && *t.AssignedAgentID != ""
}

// LastMessage 返回最后一条消息；空会话返回 nil
func (t *Ticket) LastMessage() *ChatMessage {
	if len(t.ChatHistory) == 0 {
		return nil
	}
	return &t.ChatHistory[len(t.ChatHistory)-1]
}

// PublicView 面向终端用户的视图：去掉内部备注和隐藏路由标记
func (t *Ticket) PublicView() *Ticket {
	view := *t
	view.InternalNotes = nil
	view.Metadata = nil
	view.ChatHistory = make([]ChatMessage, 0, len(t.ChatHistory))
	for _, m := range t.ChatHistory {
		view.ChatHistory = append(view.ChatHistory, m.Public())
	}
	if t.CurrentAppointment != nil {
		view.CurrentAppointment = t.CurrentAppointment.Clone()
	}
	return &view
}

// InternalNote 仅坐席/主管可见
type InternalNote struct {
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
