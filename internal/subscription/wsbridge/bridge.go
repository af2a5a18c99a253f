// Package wsbridge re-exposes the event bus's issues-changed/ready-changed/
// activity subjects to external websocket clients; the subscription
// contract consumers outside the process use to stay in sync with the
// task store without polling the IPC socket.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/events"
	"github.com/omscore/oms/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferCap  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge fans event-bus notifications out to connected websocket clients.
type Bridge struct {
	eventBus bus.EventBus
	log      *logger.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	subs []bus.Subscription
}

// New constructs a Bridge over eventBus. Call Start to begin forwarding.
func New(eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "wsbridge")),
		clients:  make(map[*client]bool),
	}
}

// Start subscribes to the three subscription-contract subjects and begins
// forwarding every event to all connected clients.
func (b *Bridge) Start() error {
	for _, subject := range []string{events.IssuesChanged, events.ReadyChanged, events.Activity} {
		subject := subject
		sub, err := b.eventBus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
			b.broadcast(subject, ev)
			return nil
		})
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the event bus and closes every connected client.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		close(c.send)
	}
	b.clients = make(map[*client]bool)
}

func (b *Bridge) broadcast(subject string, ev *bus.Event) {
	payload, err := json.Marshal(struct {
		Subject string     `json:"subject"`
		Event   *bus.Event `json:"event"`
	}{Subject: subject, Event: ev})
	if err != nil {
		b.log.Error("wsbridge: marshal event failed", zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			b.log.Warn("wsbridge: client send buffer full, dropping event", zap.String("subject", subject))
		}
	}
}

// ServeHTTP upgrades the request to a websocket connection and registers
// it for broadcast; it blocks until the client disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("wsbridge: upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferCap)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	go b.writePump(c)
	b.readPump(c)
}

func (b *Bridge) readPump(c *client) {
	defer func() {
		b.mu.Lock()
		if _, ok := b.clients[c]; ok {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (b *Bridge) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}
