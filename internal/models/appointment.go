package models

import "time"

// AppointmentParty 预约提出方
type AppointmentParty string

const (
	PartyAgent AppointmentParty = "agent"
	PartyUser  AppointmentParty = "user"
)

func (p AppointmentParty) Valid() bool {
	return p == PartyAgent || p == PartyUser
}

// Counterparty 对方
func (p AppointmentParty) Counterparty() AppointmentParty {
	if p == PartyAgent {
		return PartyUser
	}
	return PartyAgent
}

// Sender 对应的消息发送方
func (p AppointmentParty) Sender() MessageSender {
	if p == PartyAgent {
		return SenderAgent
	}
	return SenderUser
}

// AppointmentStatus 预约状态
type AppointmentStatus string

const (
	AppointmentPendingUserApproval  AppointmentStatus = "pending_user_approval"
	AppointmentPendingAgentApproval AppointmentStatus = "pending_agent_approval"
	AppointmentConfirmed            AppointmentStatus = "confirmed"
	AppointmentCancelledByUser      AppointmentStatus = "cancelled_by_user"
	AppointmentCancelledByAgent     AppointmentStatus = "cancelled_by_agent"
	AppointmentRescheduledByUser    AppointmentStatus = "rescheduled_by_user"
	AppointmentRescheduledByAgent   AppointmentStatus = "rescheduled_by_agent"
)

// IsFinal 已取消的预约不再接受任何变更
func (s AppointmentStatus) IsFinal() bool {
	return s == AppointmentCancelledByUser || s == AppointmentCancelledByAgent
}

// AwaitingApproval 等待对方确认（包含改期后的待确认）
func (s AppointmentStatus) AwaitingApproval() bool {
	switch s {
	case AppointmentPendingUserApproval, AppointmentPendingAgentApproval,
		AppointmentRescheduledByUser, AppointmentRescheduledByAgent:
		return true
	}
	return false
}

// AppointmentDetails 工单上的当前预约及其历史链
type AppointmentDetails struct {
	ID               string               `json:"id"`
	ProposedBy       AppointmentParty     `json:"proposedBy"`
	ProposedDate     string               `json:"proposedDate"` // YYYY-MM-DD
	ProposedTime     string               `json:"proposedTime"` // HH:MM
	LocationOrMethod string               `json:"locationOrMethod"`
	Status           AppointmentStatus    `json:"status"`
	UpdatedAt        time.Time            `json:"updatedAt"`
	History          []AppointmentDetails `json:"history,omitempty"`
}

// Clone 深拷贝，历史链也一并复制
func (a *AppointmentDetails) Clone() *AppointmentDetails {
	if a == nil {
		return nil
	}
	out := *a
	if a.History != nil {
		out.History = make([]AppointmentDetails, len(a.History))
		for i := range a.History {
			out.History[i] = *a.History[i].Clone()
		}
	}
	return &out
}

// Snapshot 去掉历史链的单条快照，用于压入 history
func (a *AppointmentDetails) Snapshot() AppointmentDetails {
	out := *a
	out.History = nil
	return out
}

// Supersede 以 next 替换当前预约：当前值压入历史，next 继承完整历史链
func (a *AppointmentDetails) Supersede(next AppointmentDetails) *AppointmentDetails {
	history := make([]AppointmentDetails, 0, len(a.History)+1)
	for i := range a.History {
		history = append(history, *a.History[i].Clone())
	}
	history = append(history, a.Snapshot())
	next.History = history
	return &next
}
