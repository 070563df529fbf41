package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"nexusdesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		name    string
		current models.TicketStatus
		sender  models.MessageSender
		want    models.TicketStatus
	}{
		{"user reopens resolved", models.TicketStatusResolved, models.SenderUser, models.TicketStatusInProgress},
		{"user reopens closed", models.TicketStatusClosed, models.SenderUser, models.TicketStatusInProgress},
		{"user keeps open", models.TicketStatusOpen, models.SenderUser, models.TicketStatusOpen},
		{"agent moves open", models.TicketStatusOpen, models.SenderAgent, models.TicketStatusInProgress},
		{"agent moves resolved", models.TicketStatusResolved, models.SenderAgent, models.TicketStatusInProgress},
		{"agent leaves closed", models.TicketStatusClosed, models.SenderAgent, models.TicketStatusClosed},
		{"ai never changes", models.TicketStatusResolved, models.SenderAI, models.TicketStatusResolved},
		{"summary never changes", models.TicketStatusOpen, models.SenderSystemSummary, models.TicketStatusOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextStatus(tt.current, tt.sender))
		})
	}
}

func TestAppendInbound_UserMessageInvokesAIWhenUnassigned(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)

	res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "my printer is offline")
	require.NoError(t, err)

	assert.True(t, res.AIInvoked)
	require.NotNil(t, res.Reply)
	assert.Equal(t, models.SenderAI, res.Reply.Sender)
	require.Len(t, res.Ticket.ChatHistory, 2)
	assert.Equal(t, models.SenderUser, res.Ticket.ChatHistory[0].Sender)
	assert.Equal(t, models.SenderAI, res.Ticket.ChatHistory[1].Sender)
	assert.Equal(t, models.TicketStatusOpen, res.Ticket.Status)
	assert.Equal(t, 1, env.ai.Calls())
	assert.Equal(t, []string{EventTicketMessage, EventTicketMessage}, env.publisher.types())
}

func TestAppendInbound_AssignedTicketNeverInvokesAI(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	agent := testAgent
	env.seedTicket(func(tk *models.Ticket) { tk.AssignedAgentID = &agent })

	res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "hello?")
	require.NoError(t, err)

	assert.False(t, res.AIInvoked)
	assert.Nil(t, res.Reply)
	assert.Equal(t, 0, env.ai.Calls())
	for _, m := range res.Ticket.ChatHistory {
		assert.NotEqual(t, models.SenderAI, m.Sender)
	}
}

func TestAppendInbound_AgentMessageDoesNotInvokeAI(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(func(tk *models.Ticket) { tk.Status = models.TicketStatusResolved })

	res, err := env.engine.AppendInboundMessage(context.Background(), agentScope(), "ticket-1", models.SenderAgent, "checking in")
	require.NoError(t, err)

	assert.False(t, res.AIInvoked)
	assert.Equal(t, models.TicketStatusInProgress, res.Ticket.Status)
	assert.Equal(t, testAgent, res.Ticket.ChatHistory[0].AgentID)
}

func TestAppendInbound_TimestampsNeverDecrease(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	future := env.clock.Add(time.Hour)
	env.seedTicket(func(tk *models.Ticket) {
		tk.ChatHistory = []models.ChatMessage{{ID: "m0", Sender: models.SenderUser, Text: "earlier", Timestamp: future}}
	})

	res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "again")
	require.NoError(t, err)

	h := res.Ticket.ChatHistory
	require.Len(t, h, 3)
	for i := 0; i+1 < len(h); i++ {
		assert.False(t, h[i+1].Timestamp.Before(h[i].Timestamp), "message %d is older than %d", i+1, i)
	}
	assert.True(t, h[1].Timestamp.Equal(future))
}

func TestAppendInbound_TenantIsolation(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)

	foreign := Scope{CompanyID: otherCompany, ActorID: "x", Role: models.RoleAgent}
	_, err := env.engine.AppendInboundMessage(context.Background(), foreign, "ticket-1", models.SenderAgent, "hi")
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, err = env.engine.AppendInboundMessage(context.Background(), Scope{ActorID: testUser, Role: models.RoleUser}, "ticket-1", models.SenderUser, "hi")
	assert.ErrorIs(t, err, ErrTenantRequired)

	assert.Equal(t, 0, env.store.updates)
	assert.Equal(t, 0, env.ai.Calls())
}

func TestAppendInbound_UserCannotPostOnSomeoneElsesTicket(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(func(tk *models.Ticket) { tk.CreatorID = "someone-else" })

	_, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "hi")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestAppendInbound_Validation(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)
	ctx := context.Background()

	_, err := env.engine.AppendInboundMessage(ctx, userScope(), "ticket-1", models.SenderAgent, "pretending")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.engine.AppendInboundMessage(ctx, agentScope(), "ticket-1", models.SenderAI, "spoofed")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = env.engine.AppendInboundMessage(ctx, userScope(), "ticket-1", models.SenderUser, "   ")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestAppendInbound_FallbackReplyIsAppended(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)
	env.ai.respond = func(ctx context.Context, c *models.Company, tk *models.Ticket) AIReply {
		return AIReply{
			Message:  models.ChatMessage{ID: "fb", Sender: models.SenderAI, Text: "fallback", EscalationSuggested: true, Fallback: true},
			Fallback: true,
			Err:      errors.New("upstream 500: secret details"),
		}
	}

	res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "help")
	require.NoError(t, err)
	require.NotNil(t, res.Reply)
	assert.True(t, res.Reply.EscalationSuggested)
	assert.Equal(t, "fallback", res.Reply.Text)
	assert.NotContains(t, res.Reply.Text, "secret")
}

func TestGhostReply_DiscardedWhenAgentTakesOverMidCall(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)

	started := make(chan struct{})
	env.ai.respond = func(ctx context.Context, c *models.Company, tk *models.Ticket) AIReply {
		close(started)
		<-ctx.Done()
		return AIReply{
			Message:  models.ChatMessage{ID: "late", Sender: models.SenderAI, Text: "too late", Fallback: true},
			Fallback: true,
			Err:      ctx.Err(),
		}
	}

	done := make(chan *AppendResult, 1)
	go func() {
		res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "anyone there?")
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	_, err := env.engine.AssignAgent(context.Background(), agentScope(), "ticket-1", testAgent)
	require.NoError(t, err)

	var res *AppendResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AI call was not cancelled by takeover")
	}

	assert.True(t, res.AIInvoked)
	assert.True(t, res.Discarded)
	assert.Nil(t, res.Reply)

	stored, err := env.store.GetTicket(context.Background(), testCompany, "ticket-1")
	require.NoError(t, err)
	assert.True(t, stored.HasHumanAgent())
	for _, m := range stored.ChatHistory {
		assert.NotEqual(t, models.SenderAI, m.Sender, "no AI message after takeover")
	}
}

func TestGhostReply_DiscardedEvenIfModelIgnoresCancellation(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	env.ai.respond = func(ctx context.Context, c *models.Company, tk *models.Ticket) AIReply {
		close(started)
		<-release
		return AIReply{Message: models.ChatMessage{ID: "ok", Sender: models.SenderAI, Text: "a real answer"}}
	}

	done := make(chan *AppendResult, 1)
	go func() {
		res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "anyone?")
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	_, err := env.engine.AssignAgent(context.Background(), agentScope(), "ticket-1", testAgent)
	require.NoError(t, err)
	close(release)

	res := <-done
	assert.True(t, res.Discarded)
	stored, _ := env.store.GetTicket(context.Background(), testCompany, "ticket-1")
	require.Len(t, stored.ChatHistory, 1)
	assert.Equal(t, models.SenderUser, stored.ChatHistory[0].Sender)
}

func TestUnassignAgent_ReenablesAI(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	agent := testAgent
	env.seedTicket(func(tk *models.Ticket) { tk.AssignedAgentID = &agent })
	ctx := context.Background()

	_, err := env.engine.UnassignAgent(ctx, agentScope(), "ticket-1")
	require.NoError(t, err)

	res, err := env.engine.AppendInboundMessage(ctx, userScope(), "ticket-1", models.SenderUser, "back again")
	require.NoError(t, err)
	assert.True(t, res.AIInvoked)
	assert.NotNil(t, res.Reply)
}

func TestAssignAgent_Validation(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)
	ctx := context.Background()

	_, err := env.engine.AssignAgent(ctx, userScope(), "ticket-1", testAgent)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.engine.AssignAgent(ctx, agentScope(), "ticket-1", testUser)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.engine.AssignAgent(ctx, agentScope(), "ticket-1", "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAppendNotice_NoStatusChangeNoAI(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(func(tk *models.Ticket) { tk.Status = models.TicketStatusResolved })

	tk, err := env.engine.AppendNotice(context.Background(), userScope(), "ticket-1", models.SenderUser, "notice")
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusResolved, tk.Status)
	assert.Equal(t, 0, env.ai.Calls())
	require.Len(t, tk.ChatHistory, 1)
}

func TestOpenTicket_QuotaBoundary(t *testing.T) {
	env := newTestEnv(models.PlanFreemium)
	env.store.seededTickets[testCompany] = 199
	ctx := context.Background()

	res, err := env.engine.OpenTicket(ctx, userScope(), OpenTicketRequest{Title: "Printer", Message: "it is broken"})
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusOpen, res.Ticket.Status)
	assert.True(t, res.AIInvoked)
	require.Len(t, res.Ticket.ChatHistory, 2)

	// 第 200 张已存在，第 201 张被拒绝
	_, err = env.engine.OpenTicket(ctx, userScope(), OpenTicketRequest{Title: "Another"})
	require.Error(t, err)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, ReasonTicketLimitReached, qe.Decision.Reason)
	assert.Equal(t, int64(200), qe.Decision.Used)

	_, total, err := env.store.ListTickets(ctx, testCompany, TicketFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "denied creation must not write anything")
}

func TestOpenTicket_WithoutMessageSkipsAI(t *testing.T) {
	env := newTestEnv(models.PlanPro)

	res, err := env.engine.OpenTicket(context.Background(), userScope(), OpenTicketRequest{Title: "Question", AILevel: 7})
	require.NoError(t, err)
	assert.False(t, res.AIInvoked)
	assert.Equal(t, 1, res.Ticket.AssignedAILevel)
	assert.Equal(t, "medium", res.Ticket.Priority)
	assert.Equal(t, []string{EventTicketCreated}, env.publisher.types())
}

// conflictOnceStore 第一次写入返回版本冲突
type conflictOnceStore struct {
	*memStore
	failed bool
}

func (s *conflictOnceStore) UpdateTicket(ctx context.Context, t *models.Ticket) error {
	if !s.failed {
		s.failed = true
		return ErrVersionConflict
	}
	return s.memStore.UpdateTicket(ctx, t)
}

func TestMutate_RetriesOnVersionConflict(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)
	store := &conflictOnceStore{memStore: env.store}
	engine := NewThreadEngine(store, env.store, env.quota, nil, nil, nil)

	calls := 0
	tk, err := engine.Mutate(context.Background(), agentScope(), "ticket-1", func(tk *models.Ticket) error {
		calls++
		tk.Summary = "retried"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "retried", tk.Summary)
	assert.Equal(t, int64(2), tk.Version)
}

func TestAppendInbound_RecordsIntakeMetadataForStaffOnly(t *testing.T) {
	env := newTestEnv(models.PlanStandard)
	env.seedTicket(nil)
	env.ai.respond = func(ctx context.Context, c *models.Company, tk *models.Ticket) AIReply {
		return AIReply{Message: models.ChatMessage{
			ID:              "ai-1",
			Sender:          models.SenderAI,
			Text:            "Thanks, noted.",
			AIProfileKey:    ProfileLegalIntake,
			IntakeData:      map[string]any{"matterType": "employment"},
			InternalSummary: "wrongful dismissal",
		}}
	}

	res, err := env.engine.AppendInboundMessage(context.Background(), userScope(), "ticket-1", models.SenderUser, "I was fired")
	require.NoError(t, err)
	assert.Equal(t, ProfileLegalIntake, res.Ticket.Metadata["ai_profile_key"])

	staff, err := env.tickets.GetTicket(context.Background(), agentScope(), "ticket-1")
	require.NoError(t, err)
	intake, ok := staff.Metadata["intake_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "employment", intake["matterType"])

	public, err := env.tickets.GetTicket(context.Background(), userScope(), "ticket-1")
	require.NoError(t, err)
	assert.Nil(t, public.Metadata)
	assert.Empty(t, public.ChatHistory[1].InternalSummary)
	assert.Nil(t, public.ChatHistory[1].IntakeData)
}
