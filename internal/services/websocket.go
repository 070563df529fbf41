package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nexusdesk/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 工单事件类型
const (
	EventTicketCreated     = "ticket.created"
	EventTicketMessage     = "ticket.message"
	EventTicketAssigned    = "ticket.assigned"
	EventTicketUpdated     = "ticket.updated"
	EventTicketAppointment = "ticket.appointment"
	EventTicketDeleted     = "ticket.deleted"
)

// TicketEvent 推送给在线客户端的工单变化
type TicketEvent struct {
	Type      string         `json:"type"`
	CompanyID string         `json:"company_id"`
	TicketID  string         `json:"ticket_id"`
	Ticket    *models.Ticket `json:"ticket,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TicketPublisher 引擎在每次落库后发布事件
type TicketPublisher interface {
	Publish(evt TicketEvent)
}

type hubClient struct {
	id        string
	companyID string
	userID    string
	role      models.Role
	conn      *websocket.Conn
	send      chan TicketEvent
	hub       *TicketHub
}

// TicketHub 按公司分发工单事件；终端用户只收到自己工单的公开视图
type TicketHub struct {
	clients    map[string]*hubClient
	broadcast  chan TicketEvent
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 鉴权由 JWT 中间件完成
	},
}

func NewTicketHub(logger *logrus.Logger) *TicketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketHub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan TicketEvent, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 事件循环，ctx 结束时断开所有连接
func (h *TicketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{"client_id": c.id, "company_id": c.companyID}).Debug("ws client connected")

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mutex.Unlock()

		case evt := <-h.broadcast:
			h.mutex.Lock()
			for id, c := range h.clients {
				out, ok := eventFor(c, evt)
				if !ok {
					continue
				}
				select {
				case c.send <- out:
				default:
					// 慢客户端直接断开
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish 非阻塞发布；队列满时丢弃并记录日志
func (h *TicketHub) Publish(evt TicketEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- evt:
	default:
		h.logger.WithField("ticket_id", evt.TicketID).Warn("ticket hub queue full, event dropped")
	}
}

// ClientCount 在线连接数
func (h *TicketHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// eventFor 按接收方裁剪事件：跨公司不投递，终端用户只看自己工单的公开视图
func eventFor(c *hubClient, evt TicketEvent) (TicketEvent, bool) {
	if c.companyID != evt.CompanyID {
		return evt, false
	}
	if c.role.IsStaff() {
		return evt, true
	}
	if evt.Ticket == nil || evt.Ticket.CreatorID != c.userID {
		return evt, false
	}
	evt.Ticket = evt.Ticket.PublicView()
	return evt, true
}

// ServeWS 升级连接并注册到 hub；scope 由上游鉴权得到
func (h *TicketHub) ServeWS(w http.ResponseWriter, r *http.Request, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &hubClient{
		id:        uuid.NewString(),
		companyID: scope.CompanyID,
		userID:    scope.ActorID,
		role:      scope.Role,
		conn:      conn,
		send:      make(chan TicketEvent, 64),
		hub:       h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// readPump 只用于感知断开和处理 pong，客户端不通过 ws 写入
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("websocket error: %v", err)
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
