package lending

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

// Event types pushed to WebSocket clients.
const (
	EventObligationOpened   = "obligation_opened"
	EventObligationClosed   = "obligation_closed"
	EventOperationCommitted = "operation_committed"
	EventPriceRefreshed     = "price_refreshed"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type        string          `json:"type"`
	Owner       string          `json:"owner,omitempty"`
	Operation   model.Operation `json:"operation,omitempty"`
	AssetID     uint8           `json:"asset_id,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	Score       string          `json:"score,omitempty"`
	Unbounded   bool            `json:"unbounded,omitempty"`
	FeedID      string          `json:"feed_id,omitempty"`
	Price       string          `json:"price,omitempty"`
	PublishTime *time.Time      `json:"publish_time,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts ledger and price
// events. Ledger events reach only the owner's clients and admin
// clients; price events reach everyone.
type WSHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type wsClient struct {
	conn    *websocket.Conn
	subject string
	all     bool // receives every owner's events
}

type outbound struct {
	owner string // empty for public events
	data  []byte
}

func (c *wsClient) wants(owner string) bool {
	return owner == "" || c.all || c.subject == owner
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled. Must
// be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "subject", c.subject, "all", c.all, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if !c.wants(msg.owner) {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast sends an event to every client allowed to see it. Events with
// an Owner go to that owner and to admin clients only.
func (h *WSHub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{owner: ev.Owner, data: data}:
	default:
		// Drop if buffer full to avoid blocking ledger operations.
	}
}

// PriceRefreshed implements oracle.Notifier.
func (h *WSHub) PriceRefreshed(id feed.ID, p oracle.ParsedPrice) {
	t := p.PublishTime
	h.Broadcast(Event{
		Type:        EventPriceRefreshed,
		FeedID:      id.String(),
		Price:       p.Decimal().String(),
		PublishTime: &t,
	})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// client is scoped to the authenticated subject; an admin token, or no
// authentication at all, sees every owner's events.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	client := &wsClient{
		subject: subject,
		all:     subject == "" || hasScopes(ScopesFromContext(r.Context()), []string{ScopeAdmin}),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	client.conn = conn

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			// Writes share the hub lock with broadcasts: one writer per conn.
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
