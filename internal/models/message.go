package models

import "time"

// MessageSender 消息发送方
type MessageSender string

const (
	SenderUser          MessageSender = "user"
	SenderAgent         MessageSender = "agent"
	SenderAI            MessageSender = "ai"
	SenderSystemSummary MessageSender = "system_summary"
)

func (s MessageSender) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderAI, SenderSystemSummary:
		return true
	}
	return false
}

// ChatMessage 工单会话中的一条消息
type ChatMessage struct {
	ID        string        `json:"id"`
	Sender    MessageSender `json:"sender"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	AgentID   string        `json:"agentId,omitempty"`

	// 以下为隐藏路由标记，只供 AI 路由与坐席使用，不得原样展示给终端用户
	AIProfileKey        string         `json:"ai_profile_key,omitempty"`
	IntakeData          map[string]any `json:"intake_data,omitempty"`
	InternalSummary     string         `json:"internal_summary,omitempty"`
	EscalationSuggested bool           `json:"escalation_suggested,omitempty"`
	Fallback            bool           `json:"fallback,omitempty"`
}

// Public 去掉隐藏字段
func (m ChatMessage) Public() ChatMessage {
	m.AIProfileKey = ""
	m.IntakeData = nil
	m.InternalSummary = ""
	return m
}
