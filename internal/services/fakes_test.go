package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nexusdesk/internal/llm"
	"nexusdesk/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// memStore 内存版存储协作者，读写都做深拷贝，行为与 gorm 实现一致
type memStore struct {
	mu        sync.Mutex
	tickets   map[string]models.Ticket
	companies map[string]models.Company
	users     map[string]models.User
	// 预置的本月工单数，用于配额测试
	seededTickets map[string]int64
	updates       int
}

func newMemStore() *memStore {
	return &memStore{
		tickets:       make(map[string]models.Ticket),
		companies:     make(map[string]models.Company),
		users:         make(map[string]models.User),
		seededTickets: make(map[string]int64),
	}
}

func deepCopy(t models.Ticket) models.Ticket {
	b, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	var out models.Ticket
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

func (s *memStore) addCompany(c models.Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[c.ID] = c
}

func (s *memStore) addUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Version = 1
	s.tickets[t.ID] = deepCopy(*t)
	return nil
}

func (s *memStore) GetTicket(ctx context.Context, companyID, ticketID string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.CompanyID != companyID {
		return nil, ErrTicketNotFound
	}
	c := deepCopy(t)
	return &c, nil
}

func (s *memStore) ListTickets(ctx context.Context, companyID string, f TicketFilter) ([]models.Ticket, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, t := range s.tickets {
		if t.CompanyID != companyID {
			continue
		}
		if f.CreatorID != "" && t.CreatorID != f.CreatorID {
			continue
		}
		if f.Search != "" && !strings.Contains(t.Title, f.Search) {
			continue
		}
		out = append(out, deepCopy(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, int64(len(out)), nil
}

func (s *memStore) UpdateTicket(ctx context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tickets[t.ID]
	if !ok || cur.CompanyID != t.CompanyID {
		return ErrTicketNotFound
	}
	if cur.Version != t.Version {
		return ErrVersionConflict
	}
	t.Version++
	s.tickets[t.ID] = deepCopy(*t)
	s.updates++
	return nil
}

func (s *memStore) DeleteTicket(ctx context.Context, companyID, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.CompanyID != companyID {
		return ErrTicketNotFound
	}
	delete(s.tickets, ticketID)
	return nil
}

func (s *memStore) CountUsersByRole(ctx context.Context, companyID string, roles ...models.Role) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		if u.CompanyID != companyID {
			continue
		}
		for _, r := range roles {
			if u.Role == r {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *memStore) CountTicketsSince(ctx context.Context, companyID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.seededTickets[companyID]
	for _, t := range s.tickets {
		if t.CompanyID == companyID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetPlan(ctx context.Context, companyID string) (*models.Plan, error) {
	c, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	p := models.ResolvePlan(c)
	return &p, nil
}

func (s *memStore) GetCompany(ctx context.Context, companyID string) (*models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[companyID]
	if !ok {
		return nil, ErrCompanyNotFound
	}
	return &c, nil
}

func (s *memStore) GetUser(ctx context.Context, companyID, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.CompanyID != companyID {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *memStore) ListUsers(ctx context.Context, companyID string, roles ...models.Role) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users {
		if u.CompanyID != companyID {
			continue
		}
		for _, r := range roles {
			if u.Role == r {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) CreateUser(ctx context.Context, u *models.User) error {
	s.addUser(*u)
	return nil
}

// flakyStore 前 failures 次 UpdateTicket 返回连接错误
type flakyStore struct {
	*memStore
	failures atomic.Int32
}

func (s *flakyStore) UpdateTicket(ctx context.Context, t *models.Ticket) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("db: connection reset")
	}
	return s.memStore.UpdateTicket(ctx, t)
}

// stallingLocker 在 stallNext 置位后的下一次解锁时，先释放底层锁再停住调用方，
// 直到 resume 关闭，用来模拟锁释放后的调度延迟
type stallingLocker struct {
	inner     TicketLocker
	stallNext atomic.Bool
	stalled   chan struct{}
	resume    chan struct{}
}

func newStallingLocker() *stallingLocker {
	return &stallingLocker{
		inner:   NewMemoryLocker(),
		stalled: make(chan struct{}),
		resume:  make(chan struct{}),
	}
}

func (l *stallingLocker) Lock(ctx context.Context, ticketID string) (func(), error) {
	unlock, err := l.inner.Lock(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	stall := l.stallNext.Swap(false)
	return func() {
		unlock()
		if stall {
			close(l.stalled)
			<-l.resume
		}
	}, nil
}

// fakeResponder 可编程的 AI 回复
type fakeResponder struct {
	mu      sync.Mutex
	calls   int
	respond func(ctx context.Context, company *models.Company, ticket *models.Ticket) AIReply
}

func (f *fakeResponder) Respond(ctx context.Context, company *models.Company, ticket *models.Ticket) AIReply {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, company, ticket)
	}
	return AIReply{Message: models.ChatMessage{ID: "ai-" + ticket.ID, Sender: models.SenderAI, Text: "How can I help?"}}
}

func (f *fakeResponder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeModel 实现 llm.Model
type fakeModel struct {
	mu       sync.Mutex
	raw      string
	err      error
	delay    time.Duration
	requests []llm.Request
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.raw, m.err
}

func (m *fakeModel) lastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// manualTimers 手动触发的定时器
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimers) after(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		active := !t.stopped && !t.fired
		t.stopped = true
		return active
	}
}

// fire 模拟定时器到期；已停止的定时器不会执行
func (m *manualTimers) fire(i int) bool {
	m.mu.Lock()
	t := m.timers[i]
	if t.stopped || t.fired {
		m.mu.Unlock()
		return false
	}
	t.fired = true
	m.mu.Unlock()
	t.f()
	return true
}

func (m *manualTimers) get(i int) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[i]
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []TicketEvent
}

func (p *recordingPublisher) Publish(evt TicketEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// testEnv 组装一套完整的引擎
type testEnv struct {
	store     *memStore
	quota     *QuotaGuard
	ai        *fakeResponder
	engine    *ThreadEngine
	timers    *manualTimers
	undo      *UndoRegistry
	appts     *AppointmentNegotiator
	tickets   *TicketService
	publisher *recordingPublisher
	hook      *test.Hook
	clock     *time.Time
}

const (
	testCompany  = "company-1"
	otherCompany = "company-2"
	testUser     = "user-1"
	testAgent    = "agent-1"
	testManager  = "manager-1"
)

func newTestEnv(tier models.PlanTier) *testEnv {
	store := newMemStore()
	store.addCompany(models.Company{ID: testCompany, Name: "Acme Support", PlanTier: tier})
	store.addCompany(models.Company{ID: otherCompany, Name: "Other Co", PlanTier: models.PlanPro})
	store.addUser(models.User{ID: testUser, CompanyID: testCompany, Email: "u@acme.test", Role: models.RoleUser})
	store.addUser(models.User{ID: testAgent, CompanyID: testCompany, Email: "a@acme.test", Role: models.RoleAgent})
	store.addUser(models.User{ID: testManager, CompanyID: testCompany, Email: "m@acme.test", Role: models.RoleManager})

	logger, hook := newTestLogger()
	clock := new(time.Time)
	*clock = time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return *clock }

	quota := NewQuotaGuard(store, store, time.UTC, logger)
	quota.now = now

	ai := &fakeResponder{}
	engine := NewThreadEngine(store, store, quota, ai, NewMemoryLocker(), logger)
	engine.now = now
	pub := &recordingPublisher{}
	engine.SetPublisher(pub)

	timers := &manualTimers{}
	undo := NewUndoRegistry(10 * time.Second)
	undo.after = timers.after
	undo.now = now

	appts := NewAppointmentNegotiator(engine, quota, undo, logger)
	appts.now = now

	return &testEnv{
		store:     store,
		quota:     quota,
		ai:        ai,
		engine:    engine,
		timers:    timers,
		undo:      undo,
		appts:     appts,
		tickets:   NewTicketService(store, engine, logger),
		publisher: pub,
		hook:      hook,
		clock:     clock,
	}
}

func userScope() Scope    { return Scope{CompanyID: testCompany, ActorID: testUser, Role: models.RoleUser} }
func agentScope() Scope   { return Scope{CompanyID: testCompany, ActorID: testAgent, Role: models.RoleAgent} }
func managerScope() Scope { return Scope{CompanyID: testCompany, ActorID: testManager, Role: models.RoleManager} }

// seedTicket 直接写入一张工单
func (e *testEnv) seedTicket(mut func(t *models.Ticket)) *models.Ticket {
	t := &models.Ticket{
		ID:              "ticket-1",
		CompanyID:       testCompany,
		CreatorID:       testUser,
		Title:           "Printer offline",
		Status:          models.TicketStatusOpen,
		AssignedAILevel: 1,
		ChatHistory:     []models.ChatMessage{},
		CreatedAt:       *e.clock,
	}
	if mut != nil {
		mut(t)
	}
	if err := e.store.CreateTicket(context.Background(), t); err != nil {
		panic(err)
	}
	return t
}
