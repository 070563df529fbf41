package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nexusdesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppointmentSlot 提议的时间与地点
type AppointmentSlot struct {
	Date             string `json:"proposed_date" binding:"required"` // YYYY-MM-DD
	Time             string `json:"proposed_time" binding:"required"` // HH:MM
	LocationOrMethod string `json:"location_or_method" binding:"required"`
}

// Validate 校验日期时间格式
func (s AppointmentSlot) Validate() error {
	if _, err := time.Parse("2006-01-02", s.Date); err != nil {
		return fmt.Errorf("%w: date %q", ErrInvalidAppointmentArg, s.Date)
	}
	if _, err := time.Parse("15:04", s.Time); err != nil {
		return fmt.Errorf("%w: time %q", ErrInvalidAppointmentArg, s.Time)
	}
	if strings.TrimSpace(s.LocationOrMethod) == "" {
		return fmt.Errorf("%w: location or method is required", ErrInvalidAppointmentArg)
	}
	return nil
}

// AppointmentNegotiator 工单内的预约协商状态机。
// 每次替换当前预约都把旧值压入 history，并通过会话引擎发一条通知。
type AppointmentNegotiator struct {
	engine *ThreadEngine
	quota  *QuotaGuard
	undo   *UndoRegistry
	logger *logrus.Logger
	now    func() time.Time
}

func NewAppointmentNegotiator(engine *ThreadEngine, quota *QuotaGuard, undo *UndoRegistry, logger *logrus.Logger) *AppointmentNegotiator {
	if logger == nil {
		logger = logrus.New()
	}
	if undo == nil {
		undo = NewUndoRegistry(0)
	}
	return &AppointmentNegotiator{
		engine: engine,
		quota:  quota,
		undo:   undo,
		logger: logger,
		now:    time.Now,
	}
}

// Propose 提出（或改期）预约，旧的当前预约压入 history。
// 坐席提出总是 → pending_user_approval；
// 用户提出时没有进行中的预约 → pending_agent_approval，否则 → rescheduled_by_user。
func (n *AppointmentNegotiator) Propose(ctx context.Context, scope Scope, ticketID string, party models.AppointmentParty, slot AppointmentSlot) (*models.Ticket, error) {
	if err := n.checkParty(scope, party); err != nil {
		return nil, err
	}
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	// 功能开关在变更点重新检查
	if err := n.quota.RequireFeature(ctx, scope.CompanyID, models.FeatureAppointmentScheduling); err != nil {
		return nil, err
	}

	ticket, err := n.engine.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		cur := t.CurrentAppointment
		next := models.AppointmentDetails{
			ID:               uuid.NewString(),
			ProposedBy:       party,
			ProposedDate:     slot.Date,
			ProposedTime:     slot.Time,
			LocationOrMethod: strings.TrimSpace(slot.LocationOrMethod),
			UpdatedAt:        n.now().UTC(),
		}

		var key string
		switch {
		case party == models.PartyAgent:
			next.Status = models.AppointmentPendingUserApproval
			key = msgApptProposedByAgent
		case cur == nil || cur.Status.IsFinal():
			next.Status = models.AppointmentPendingAgentApproval
			key = msgApptProposedByUser
		default:
			next.Status = models.AppointmentRescheduledByUser
			key = msgApptRescheduled
		}

		if cur == nil {
			next.History = []models.AppointmentDetails{}
			t.CurrentAppointment = &next
		} else {
			t.CurrentAppointment = cur.Supersede(next)
		}
		n.engine.appendMessage(t, n.engine.Notice(scope, party.Sender(), localize(t.Locale, key, next.ProposedDate, next.ProposedTime, next.LocationOrMethod)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.published(ticket, "proposed")
	return ticket, nil
}

// Accept 对方确认 → confirmed
func (n *AppointmentNegotiator) Accept(ctx context.Context, scope Scope, ticketID string, party models.AppointmentParty, appointmentID string) (*models.Ticket, error) {
	if err := n.checkParty(scope, party); err != nil {
		return nil, err
	}
	ticket, err := n.engine.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		cur, err := activeAppointment(t, appointmentID)
		if err != nil {
			return err
		}
		if !cur.Status.AwaitingApproval() {
			return fmt.Errorf("%w: %s cannot be accepted", ErrInvalidTransition, cur.Status)
		}
		if cur.ProposedBy == party {
			return fmt.Errorf("%w: %s cannot accept its own proposal", ErrInvalidTransition, party)
		}
		next := cur.Snapshot()
		next.Status = models.AppointmentConfirmed
		next.UpdatedAt = n.now().UTC()
		t.CurrentAppointment = cur.Supersede(next)
		n.engine.appendMessage(t, n.engine.Notice(scope, party.Sender(), localize(t.Locale, msgApptConfirmed, next.ProposedDate, next.ProposedTime, next.LocationOrMethod)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.published(ticket, "confirmed")
	return ticket, nil
}

// Cancel 任一方取消 → cancelled_by_<party>，之后不再接受变更
func (n *AppointmentNegotiator) Cancel(ctx context.Context, scope Scope, ticketID string, party models.AppointmentParty, appointmentID string) (*models.Ticket, error) {
	if err := n.checkParty(scope, party); err != nil {
		return nil, err
	}
	ticket, err := n.engine.Mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		cur, err := activeAppointment(t, appointmentID)
		if err != nil {
			return err
		}
		next := cur.Snapshot()
		next.Status = models.AppointmentCancelledByUser
		if party == models.PartyAgent {
			next.Status = models.AppointmentCancelledByAgent
		}
		next.UpdatedAt = n.now().UTC()
		t.CurrentAppointment = cur.Supersede(next)
		n.engine.appendMessage(t, n.engine.Notice(scope, party.Sender(), localize(t.Locale, msgApptCancelled, next.ProposedDate, next.ProposedTime)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.published(ticket, "cancelled")
	return ticket, nil
}

// Delete 移除当前预约并返回删除前的完整快照。调用方负责事先让用户确认。
// 撤销窗口内可用 Restore 恢复；同一工单的新删除会使之前的快照失效。
// 快照在工单锁内登记，并发删除按提交顺序占用撤销槽位。
func (n *AppointmentNegotiator) Delete(ctx context.Context, scope Scope, ticketID, appointmentID string) (*UndoHandle, *models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, nil, err
	}
	var (
		snapshot *models.AppointmentDetails
		handle   UndoHandle
	)
	ticket, err := n.engine.mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		cur := t.CurrentAppointment
		if cur == nil || cur.ID != appointmentID {
			return ErrAppointmentNotFound
		}
		snapshot = cur.Clone()
		t.CurrentAppointment = nil
		n.engine.appendMessage(t, n.engine.Notice(scope, models.SenderAgent, localize(t.Locale, msgApptDeleted, cur.ProposedDate, cur.ProposedTime)))
		return nil
	}, func(*models.Ticket) {
		handle = n.undo.Arm(ticketID, snapshot)
	})
	if err != nil {
		return nil, nil, err
	}

	n.logger.WithFields(logrus.Fields{
		"ticket_id":      ticketID,
		"appointment_id": appointmentID,
		"undo_until":     handle.ExpiresAt,
	}).Info("appointment deleted")
	n.published(ticket, "deleted")
	return &handle, ticket, nil
}

// Restore 在撤销窗口内恢复被删除的预约。恢复的是登记时保存的快照，而不是调用方传入的数据。
// 写入成功后才结束撤销窗口，写入失败时快照仍可重试。
func (n *AppointmentNegotiator) Restore(ctx context.Context, scope Scope, ticketID, snapshotID string) (*models.Ticket, error) {
	if err := scope.RequireStaff(); err != nil {
		return nil, err
	}
	ticket, err := n.engine.mutate(ctx, scope, ticketID, func(t *models.Ticket) error {
		if t.CurrentAppointment != nil {
			return ErrAppointmentConflict
		}
		snapshot, err := n.undo.Peek(ticketID, snapshotID)
		if err != nil {
			return err
		}
		snapshot.UpdatedAt = n.now().UTC()
		t.CurrentAppointment = snapshot
		n.engine.appendMessage(t, n.engine.Notice(scope, models.SenderAgent, localize(t.Locale, msgApptRestored, snapshot.ProposedDate, snapshot.ProposedTime)))
		return nil
	}, func(*models.Ticket) {
		// 定时器恰好在读取后到期时，恢复已经落库，这里只记一条日志
		if _, err := n.undo.Consume(ticketID, snapshotID); err != nil {
			n.logger.WithField("ticket_id", ticketID).Warn("undo slot expired while restoring")
		}
	})
	if err != nil {
		return nil, err
	}
	n.published(ticket, "restored")
	return ticket, nil
}

// PendingUndo 工单当前可撤销的删除
func (n *AppointmentNegotiator) PendingUndo(ctx context.Context, scope Scope, ticketID string) (*UndoHandle, error) {
	if _, err := n.engine.Load(ctx, scope, ticketID); err != nil {
		return nil, err
	}
	return n.undo.Pending(ticketID), nil
}

// checkParty 坐席方只能由坐席/主管代表，用户方只能由终端用户代表
func (n *AppointmentNegotiator) checkParty(scope Scope, party models.AppointmentParty) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !party.Valid() {
		return fmt.Errorf("%w: party %q", ErrInvalidAppointmentArg, party)
	}
	if party == models.PartyAgent && !scope.Role.IsStaff() {
		return fmt.Errorf("%w: only staff can act for the agent side", ErrForbidden)
	}
	if party == models.PartyUser && scope.Role != models.RoleUser {
		return fmt.Errorf("%w: only the customer can act for the user side", ErrForbidden)
	}
	return nil
}

func (n *AppointmentNegotiator) published(t *models.Ticket, action string) {
	n.engine.publish(EventTicketAppointment, t)
	n.logger.WithFields(logrus.Fields{"ticket_id": t.ID, "action": action}).Debug("appointment updated")
}

// activeAppointment 取当前预约：不存在或 ID 不符 → ErrAppointmentNotFound，已取消 → ErrAppointmentFinal
func activeAppointment(t *models.Ticket, appointmentID string) (*models.AppointmentDetails, error) {
	cur := t.CurrentAppointment
	if cur == nil || (appointmentID != "" && cur.ID != appointmentID) {
		return nil, ErrAppointmentNotFound
	}
	if cur.Status.IsFinal() {
		return nil, ErrAppointmentFinal
	}
	return cur, nil
}
