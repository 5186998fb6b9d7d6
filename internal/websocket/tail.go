// Package websocket serves the live event tail: one hub fanning the event
// bus out to connected operator clients, each scoped to its own tenant.
package websocket

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/tenancy"
)

type client struct {
	conn     *websocket.Conn
	tenantID string
}

// Tail manages WebSocket connections streaming control-plane events.
type Tail struct {
	bus        *events.Bus
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	stopCh     chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

func NewTail(bus *events.Bus) *Tail {
	return &Tail{
		bus:        bus,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[WS-TAIL] ", log.LstdFlags),
	}
}

// Run pumps the hub: registrations, disconnects, and bus fan-out. Events
// only reach clients of the emitting tenant.
func (t *Tail) Run() {
	feed := t.bus.Subscribe()
	defer t.bus.Unsubscribe(feed)

	for {
		select {
		case c := <-t.register:
			t.mu.Lock()
			t.clients[c] = true
			total := len(t.clients)
			t.mu.Unlock()
			t.logger.Printf("client connected, tenant=%s (total: %d)", c.tenantID, total)

		case c := <-t.unregister:
			t.mu.Lock()
			if _, ok := t.clients[c]; ok {
				delete(t.clients, c)
				c.conn.Close()
			}
			total := len(t.clients)
			t.mu.Unlock()
			t.logger.Printf("client disconnected (total: %d)", total)

		case ev := <-feed:
			t.broadcast(ev)

		case <-t.stopCh:
			t.mu.Lock()
			for c := range t.clients {
				c.conn.Close()
			}
			t.clients = make(map[*client]bool)
			t.mu.Unlock()
			return
		}
	}
}

// Stop closes every connection and halts the hub.
func (t *Tail) Stop() { close(t.stopCh) }

func (t *Tail) broadcast(ev *events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for c := range t.clients {
		if c.tenantID != ev.TenantID {
			continue
		}
		if err := c.conn.WriteJSON(ev); err != nil {
			t.logger.Printf("write error, dropping client: %v", err)
			c.conn.Close()
			delete(t.clients, c)
		}
	}
}

// Handle upgrades the request and attaches the connection to the hub. The
// tenancy middleware has already resolved the tenant on the context.
func (t *Tail) Handle(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenancy.TenantID(r.Context())
	if err != nil {
		http.Error(w, "missing tenant context", http.StatusUnauthorized)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Printf("upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, tenantID: tenantID}
	t.register <- c

	go func() {
		defer func() { t.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Statistics reports hub health for the gateway's health payload.
func (t *Tail) Statistics() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]any{
		"connected_clients": len(t.clients),
	}
}
