package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nexusdesk/internal/config"
	"nexusdesk/internal/middleware"
	"nexusdesk/internal/models"
	"nexusdesk/internal/repository"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "handler-secret"

type stubResponder struct{}

func (stubResponder) Respond(ctx context.Context, company *models.Company, ticket *models.Ticket) services.AIReply {
	return services.AIReply{Message: models.ChatMessage{
		ID:              "ai-reply",
		Sender:          models.SenderAI,
		Text:            "Have you tried turning it off and on again?",
		InternalSummary: "printer issue, low urgency",
		IntakeData:      map[string]any{"matter": "hardware"},
	}}
}

type testServer struct {
	router http.Handler
	db     *gorm.DB
	store  *repository.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db))

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	store := repository.NewStore(db, log)
	ctx := context.Background()
	require.NoError(t, store.SaveCompany(ctx, &models.Company{ID: "acme", Name: "Acme", PlanTier: models.PlanStandard}))
	require.NoError(t, store.SaveCompany(ctx, &models.Company{ID: "free", Name: "Free Co", PlanTier: models.PlanFreemium}))
	for _, u := range []models.User{
		{ID: "u1", CompanyID: "acme", Email: "u1@acme.test", Role: models.RoleUser},
		{ID: "a1", CompanyID: "acme", Email: "a1@acme.test", Role: models.RoleAgent},
		{ID: "m1", CompanyID: "acme", Email: "m1@acme.test", Role: models.RoleManager},
		{ID: "fa", CompanyID: "free", Email: "fa@free.test", Role: models.RoleAgent},
	} {
		u := u
		require.NoError(t, store.CreateUser(ctx, &u))
	}

	quota := services.NewQuotaGuard(store, store, time.UTC, log)
	engine := services.NewThreadEngine(store, store, quota, stubResponder{}, services.NewMemoryLocker(), log)
	hub := services.NewTicketHub(log)
	engine.SetPublisher(hub)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	cfg.Security.RateLimiting.Enabled = false

	health := NewHealthHandler("test", nil, hub, log).AddCheck("database", true, DatabaseCheck(db))
	router := NewRouter(cfg, Services{
		Tickets:      services.NewTicketService(store, engine, log),
		Engine:       engine,
		Appointments: services.NewAppointmentNegotiator(engine, quota, services.NewUndoRegistry(time.Minute), log),
		Agents:       services.NewAgentDirectory(store, quota, nil, log),
		Quota:        quota,
		Hub:          hub,
		Health:       health,
	}, log)
	return &testServer{router: router, db: db, store: store}
}

func tokenFor(t *testing.T, company, user string, role models.Role) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, user, company, role, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func TestRouter_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/tickets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTicketFlow(t *testing.T) {
	s := newTestServer(t)
	user := tokenFor(t, "acme", "u1", models.RoleUser)
	agent := tokenFor(t, "acme", "a1", models.RoleAgent)

	w := s.do(t, http.MethodPost, "/api/v1/tickets", user, services.OpenTicketRequest{
		Title:   "Printer jammed",
		Message: "The printer on floor 2 is jammed",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created services.AppendResult
	decode(t, w, &created)
	assert.True(t, created.AIInvoked)
	require.NotNil(t, created.Reply)
	assert.Empty(t, created.Reply.InternalSummary, "users never see hidden routing data")
	require.Len(t, created.Ticket.ChatHistory, 2)
	assert.Empty(t, created.Ticket.ChatHistory[1].InternalSummary)
	id := created.Ticket.ID

	// 坐席看得到内部摘要
	w = s.do(t, http.MethodGet, "/api/v1/tickets/"+id, agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var full models.Ticket
	decode(t, w, &full)
	assert.Equal(t, "printer issue, low urgency", full.ChatHistory[1].InternalSummary)

	w = s.do(t, http.MethodGet, "/api/v1/tickets?page=1&page_size=10", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data  []models.Ticket `json:"data"`
		Total int64           `json:"total"`
		Pages int             `json:"pages"`
	}
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 1, page.Pages)

	// 人工接管后不再调用 AI
	w = s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/assign", agent, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/messages", user, MessageRequest{Text: "still broken"})
	require.Equal(t, http.StatusOK, w.Code)
	var res services.AppendResult
	decode(t, w, &res)
	assert.False(t, res.AIInvoked)
	assert.Len(t, res.Ticket.ChatHistory, 3)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/messages", agent, MessageRequest{Text: "on my way"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, models.SenderAgent, res.Ticket.LastMessage().Sender)
	assert.Equal(t, models.TicketStatusInProgress, res.Ticket.Status)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/notes", agent, NoteRequest{Text: "vip"})
	assert.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodPut, "/api/v1/tickets/"+id+"/summary", agent, SummaryRequest{Summary: "Paper jam cleared."})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/tickets/"+id, user, nil)
	var view models.Ticket
	decode(t, w, &view)
	assert.Empty(t, view.InternalNotes)
	assert.Equal(t, "Paper jam cleared.", view.Summary)

	w = s.do(t, http.MethodDelete, "/api/v1/tickets/"+id+"/assign", agent, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateTicket_UserNeverSeesHiddenReplyData(t *testing.T) {
	s := newTestServer(t)
	user := tokenFor(t, "acme", "u1", models.RoleUser)

	w := s.do(t, http.MethodPost, "/api/v1/tickets", user, services.OpenTicketRequest{
		Title:   "Printer jammed",
		Message: "The printer on floor 2 is jammed",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "internal_summary")
	assert.NotContains(t, w.Body.String(), "intake_data")
	assert.NotContains(t, w.Body.String(), "printer issue, low urgency")

	var created services.AppendResult
	decode(t, w, &created)
	require.NotNil(t, created.Reply)
	assert.Equal(t, "Have you tried turning it off and on again?", created.Reply.Text)

	// 坐席创建时保留内部数据
	w = s.do(t, http.MethodPost, "/api/v1/tickets", tokenFor(t, "acme", "a1", models.RoleAgent), services.OpenTicketRequest{
		Title:   "Scanner",
		Message: "The scanner is offline",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &created)
	require.NotNil(t, created.Reply)
	assert.Equal(t, "printer issue, low urgency", created.Reply.InternalSummary)
}

func TestRespondError_HidesInternalErrorText(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, hook := test.NewNullLogger()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, log, "Failed to load ticket", fmt.Errorf("get ticket: %w", fmt.Errorf("pq: relation \"tickets\" does not exist")))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "Failed to load ticket", resp.Error)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), resp.Message)
	assert.NotContains(t, w.Body.String(), "pq:")
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "pq: relation")

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	respondError(c, log, "Failed to load ticket", services.ErrTicketNotFound)
	require.Equal(t, http.StatusNotFound, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, services.ErrTicketNotFound.Error(), resp.Message)
}

func TestTicketErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t)
	user := tokenFor(t, "acme", "u1", models.RoleUser)
	agent := tokenFor(t, "acme", "a1", models.RoleAgent)
	outsider := tokenFor(t, "free", "fa", models.RoleAgent)

	w := s.do(t, http.MethodPost, "/api/v1/tickets", user, services.OpenTicketRequest{Title: "VPN"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created services.AppendResult
	decode(t, w, &created)
	id := created.Ticket.ID

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		want   int
	}{
		{"missing ticket", http.MethodGet, "/api/v1/tickets/nope", agent, nil, http.StatusNotFound},
		{"other tenant", http.MethodGet, "/api/v1/tickets/" + id, outsider, nil, http.StatusNotFound},
		{"user cannot update", http.MethodPut, "/api/v1/tickets/" + id, user, map[string]string{"title": "x"}, http.StatusForbidden},
		{"invalid status", http.MethodPut, "/api/v1/tickets/" + id, agent, map[string]string{"status": "archived"}, http.StatusBadRequest},
		{"empty title", http.MethodPost, "/api/v1/tickets", user, map[string]string{"title": ""}, http.StatusBadRequest},
		{"agent cannot delete", http.MethodDelete, "/api/v1/tickets/" + id, agent, nil, http.StatusForbidden},
		{"assign unknown agent", http.MethodPost, "/api/v1/tickets/" + id + "/assign", agent, AssignRequest{AgentID: "ghost"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		w := s.do(t, tc.method, tc.path, tc.token, tc.body)
		assert.Equal(t, tc.want, w.Code, tc.name)
		var resp ErrorResponse
		decode(t, w, &resp)
		assert.NotEmpty(t, resp.Error, tc.name)
	}

	manager := tokenFor(t, "acme", "m1", models.RoleManager)
	w = s.do(t, http.MethodDelete, "/api/v1/tickets/"+id, manager, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTicketQuotaReturnsPaymentRequired(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()
	for i := 0; i < 200; i++ {
		require.NoError(t, s.db.Create(&models.Ticket{ID: fmt.Sprintf("seed-%d", i), CompanyID: "free", Title: "seed", CreatedAt: now}).Error)
	}

	w := s.do(t, http.MethodPost, "/api/v1/tickets", tokenFor(t, "free", "fa", models.RoleAgent), services.OpenTicketRequest{Title: "one too many"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var resp struct {
		Details services.Decision `json:"details"`
	}
	decode(t, w, &resp)
	assert.Equal(t, services.ReasonTicketLimitReached, resp.Details.Reason)
	assert.Equal(t, int64(200), resp.Details.Used)

	var count int64
	require.NoError(t, s.db.Model(&models.Ticket{}).Where("company_id = ?", "free").Count(&count).Error)
	assert.Equal(t, int64(200), count)
}

func TestAppointmentDeleteAndUndo(t *testing.T) {
	s := newTestServer(t)
	user := tokenFor(t, "acme", "u1", models.RoleUser)
	agent := tokenFor(t, "acme", "a1", models.RoleAgent)

	w := s.do(t, http.MethodPost, "/api/v1/tickets", user, services.OpenTicketRequest{Title: "Site visit"})
	var created services.AppendResult
	decode(t, w, &created)
	base := "/api/v1/tickets/" + created.Ticket.ID + "/appointment"

	w = s.do(t, http.MethodPost, base, agent, services.AppointmentSlot{Date: "2024-06-03", Time: "14:30", LocationOrMethod: "On site"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tk models.Ticket
	decode(t, w, &tk)
	require.NotNil(t, tk.CurrentAppointment)
	apptID := tk.CurrentAppointment.ID
	assert.Equal(t, models.AppointmentPendingUserApproval, tk.CurrentAppointment.Status)

	w = s.do(t, http.MethodPost, base+"/"+apptID+"/accept", agent, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "proposer cannot accept own proposal")
	w = s.do(t, http.MethodPost, base+"/"+apptID+"/accept", user, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, base+"/"+apptID, user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodDelete, base+"/"+apptID, agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deleted DeleteAppointmentResponse
	decode(t, w, &deleted)
	assert.Nil(t, deleted.Ticket.CurrentAppointment)
	require.NotNil(t, deleted.Undo)
	assert.Equal(t, apptID, deleted.Undo.Snapshot.ID)
	assert.True(t, deleted.Undo.ExpiresAt.After(time.Now()))

	w = s.do(t, http.MethodGet, base+"/undo", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), apptID)

	w = s.do(t, http.MethodPost, base+"/undo/"+apptID, agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &tk)
	require.NotNil(t, tk.CurrentAppointment)
	assert.Equal(t, models.AppointmentConfirmed, tk.CurrentAppointment.Status)

	w = s.do(t, http.MethodPost, base+"/undo/"+apptID, agent, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, base+"/"+apptID+"/cancel", user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, base+"/"+apptID+"/accept", agent, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "cancelled appointments are final")
}

func TestAppointmentFeatureGate(t *testing.T) {
	s := newTestServer(t)
	agent := tokenFor(t, "free", "fa", models.RoleAgent)
	w := s.do(t, http.MethodPost, "/api/v1/tickets", agent, services.OpenTicketRequest{Title: "Visit"})
	var created services.AppendResult
	decode(t, w, &created)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/"+created.Ticket.ID+"/appointment", agent,
		services.AppointmentSlot{Date: "2024-06-03", Time: "14:30", LocationOrMethod: "Phone"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), services.ReasonFeatureNotInPlan)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/"+created.Ticket.ID+"/appointment", agent,
		map[string]string{"proposed_date": "06/03/2024", "proposed_time": "14:30", "location_or_method": "Phone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompanyAgentsAndUsage(t *testing.T) {
	s := newTestServer(t)
	manager := tokenFor(t, "acme", "m1", models.RoleManager)
	agent := tokenFor(t, "acme", "a1", models.RoleAgent)

	w := s.do(t, http.MethodPost, "/api/v1/agents", agent, services.AddAgentRequest{Email: "new@acme.test"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/agents", manager, services.AddAgentRequest{Email: "New Agent <new@acme.test>"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var u models.User
	decode(t, w, &u)
	assert.Equal(t, "new@acme.test", u.Email)
	assert.Equal(t, "acme", u.CompanyID)

	w = s.do(t, http.MethodGet, "/api/v1/agents", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []models.User `json:"data"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Data, 3)

	w = s.do(t, http.MethodGet, "/api/v1/company/usage", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report services.UsageReport
	decode(t, w, &report)
	assert.Equal(t, models.PlanStandard, report.Plan.Tier)
	assert.Equal(t, int64(3), report.Agents.Used)
	assert.Equal(t, int64(10), report.Agents.Limit)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	decode(t, w, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Services["database"].Status)
	assert.Equal(t, "disabled", health.Services["ai"].Status)

	w = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# TYPE nexusdesk_ai_responses_total counter")
	assert.Contains(t, w.Body.String(), "nexusdesk_ws_clients 0")
}

type fixedBreaker map[string]interface{}

func (b fixedBreaker) BreakerStats() map[string]interface{} { return b }

func TestHealth_DegradedAndUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()

	h := NewHealthHandler("test", fixedBreaker{"state": "open"}, nil, log).
		AddCheck("knowledge", false, func(ctx context.Context) error { return nil })
	r := gin.New()
	h.RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "degraded", resp.Status)

	h.AddCheck("database", true, func(ctx context.Context) error { return fmt.Errorf("connection refused") })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		&services.QuotaError{Decision: services.Decision{Reason: services.ReasonTicketLimitReached}}: http.StatusPaymentRequired,
		&services.QuotaError{Decision: services.Decision{Reason: services.ReasonFeatureNotInPlan}}:   http.StatusForbidden,
		services.ErrTenantRequired:                                   http.StatusUnauthorized,
		fmt.Errorf("wrapped: %w", services.ErrForbidden):             http.StatusForbidden,
		services.ErrAppointmentNotFound:                              http.StatusNotFound,
		services.ErrVersionConflict:                                  http.StatusConflict,
		services.ErrUndoExpired:                                      http.StatusGone,
		fmt.Errorf("load plan: %w", services.ErrCompanyNotFound):     http.StatusNotFound,
		services.ErrModelUnavailable:                                 http.StatusServiceUnavailable,
		fmt.Errorf("boom"):                                           http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
