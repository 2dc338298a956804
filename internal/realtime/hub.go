// Package realtime streams committed escrow transitions to the parties of
// each job over WebSocket.
//
// The Hub is an escrow.Notifier. A client connects as an authenticated user
// and only ever receives transitions of jobs where that user is the client
// or the provider. Delivery is best-effort: slow connections are dropped and
// a reconnecting client should re-read the escrow over HTTP.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/notify"
)

// ErrBufferFull is returned when the broadcast queue is saturated and an
// event was dropped.
var ErrBufferFull = errors.New("realtime broadcast buffer full")

var (
	activeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow",
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected WebSocket clients.",
	})
	droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "realtime",
		Name:      "dropped_events_total",
		Help:      "Transition events dropped because the broadcast buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(activeClients, droppedEvents)
}

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const EventTransition EventType = "escrow.transition"

// Event is one message on the stream.
type Event struct {
	Type      EventType               `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Data      *notify.TransitionEvent `json:"data"`
}

// Subscription narrows what a client receives. Empty fields match everything
// the user is a party to.
type Subscription struct {
	JobIDs     []string        `json:"jobIds"`
	ToStatuses []escrow.Status `json:"toStatuses"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub. Browser connections are accepted from
// the serving host and from allowedOrigins ("*" allows any).
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			activeClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			activeClients.Set(float64(n))
			h.logger.Debug("client connected", "userId", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			activeClients.Set(float64(n))
			h.logger.Debug("client disconnected", "userId", client.userID, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode realtime event", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend reports whether the client's user is a party to the event and
// the event matches the client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	if event.Data == nil {
		return false
	}
	if client.userID != event.Data.ClientID && client.userID != event.Data.ProviderID {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.JobIDs) > 0 && !slices.Contains(sub.JobIDs, event.Data.JobID) {
		return false
	}
	if len(sub.ToStatuses) > 0 && !slices.Contains(sub.ToStatuses, event.Data.ToStatus) {
		return false
	}
	return true
}

// Broadcast queues an event for matching clients. It never blocks.
func (h *Hub) Broadcast(event *Event) error {
	select {
	case h.broadcast <- event:
		return nil
	default:
		droppedEvents.Inc()
		return ErrBufferFull
	}
}

// TransitionCommitted streams a committed transition to the job's parties.
func (h *Hub) TransitionCommitted(ctx context.Context, tx *escrow.Transaction, entry *escrow.AuditEntry) error {
	ev := notify.NewTransitionEvent(tx, entry)
	return h.Broadcast(&Event{
		Type:      EventTransition,
		Timestamp: entry.CreatedAt,
		Data:      &ev,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterProtectedRoutes sets up the stream route. The caller guarantees
// an authenticated user.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/stream", h.Stream)
}

// Stream handles GET /v1/stream
func (h *Hub) Stream(c *gin.Context) {
	h.HandleWebSocket(c.Writer, c.Request, auth.GetAuthenticatedUser(c))
}

// HandleWebSocket upgrades HTTP to WebSocket for userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		userID: userID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
