package services

import (
	"sync"
	"time"

	"nexusdesk/internal/metrics"
	"nexusdesk/internal/models"
)

// TimerFunc 启动一个单次定时器，返回停止函数。测试中可替换为手动触发的实现。
type TimerFunc func(d time.Duration, f func()) (stop func() bool)

func realTimer(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// UndoHandle 删除后返回给调用方，用于提供撤销入口
type UndoHandle struct {
	TicketID  string                     `json:"ticket_id"`
	Snapshot  *models.AppointmentDetails `json:"snapshot"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

type undoSlot struct {
	gen       uint64
	snapshot  *models.AppointmentDetails
	stop      func() bool
	expiresAt time.Time
}

// UndoRegistry 每个工单至多一个待撤销快照。新的删除会先停掉旧定时器并丢弃旧快照，
// 旧定时器即使已经触发，也因 gen 不匹配而不会影响新槽位。
type UndoRegistry struct {
	window time.Duration
	after  TimerFunc
	now    func() time.Time

	mu    sync.Mutex
	slots map[string]*undoSlot
	gen   uint64
}

func NewUndoRegistry(window time.Duration) *UndoRegistry {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &UndoRegistry{
		window: window,
		after:  realTimer,
		now:    time.Now,
		slots:  make(map[string]*undoSlot),
	}
}

// Window 撤销窗口
func (r *UndoRegistry) Window() time.Duration { return r.window }

// Arm 为工单登记快照并启动定时器；已有槽位时先取消再替换
func (r *UndoRegistry) Arm(ticketID string, snapshot *models.AppointmentDetails) UndoHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.slots[ticketID]; ok {
		old.stop()
		delete(r.slots, ticketID)
		metrics.IncUndo("superseded")
	}

	r.gen++
	gen := r.gen
	slot := &undoSlot{
		gen:       gen,
		snapshot:  snapshot.Clone(),
		expiresAt: r.now().Add(r.window),
	}
	slot.stop = r.after(r.window, func() { r.expire(ticketID, gen) })
	r.slots[ticketID] = slot

	return UndoHandle{
		TicketID:  ticketID,
		Snapshot:  snapshot.Clone(),
		ExpiresAt: slot.expiresAt,
	}
}

func (r *UndoRegistry) expire(ticketID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slots[ticketID]; ok && slot.gen == gen {
		delete(r.slots, ticketID)
		metrics.IncUndo("expired")
	}
}

// Consume 取出与 snapshotID 匹配的快照并结束撤销窗口。
// 槽位不存在、已过期或已被新的删除替换时返回 ErrUndoExpired。
func (r *UndoRegistry) Consume(ticketID, snapshotID string) (*models.AppointmentDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[ticketID]
	if !ok || slot.snapshot.ID != snapshotID {
		return nil, ErrUndoExpired
	}
	slot.stop()
	delete(r.slots, ticketID)
	metrics.IncUndo("restored")
	return slot.snapshot.Clone(), nil
}

// Peek 读取与 snapshotID 匹配的快照副本，不结束撤销窗口
func (r *UndoRegistry) Peek(ticketID, snapshotID string) (*models.AppointmentDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[ticketID]
	if !ok || slot.snapshot.ID != snapshotID {
		return nil, ErrUndoExpired
	}
	return slot.snapshot.Clone(), nil
}

// Pending 当前待撤销的快照，没有时返回 nil
func (r *UndoRegistry) Pending(ticketID string) *UndoHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[ticketID]
	if !ok {
		return nil
	}
	return &UndoHandle{TicketID: ticketID, Snapshot: slot.snapshot.Clone(), ExpiresAt: slot.expiresAt}
}
