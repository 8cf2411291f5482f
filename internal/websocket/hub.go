package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"localrag/internal/infrastructure"
	"localrag/internal/license"
)

// Message types sent to clients.
const (
	TypeConnection = "connection"
	TypeUsage      = "usage"
)

const (
	broadcastBuffer  = 256
	clientBuffer     = 64
	reasonNormal     = "normal"
	reasonSlowClient = "slow_client"
	reasonShutdown   = "shutdown"
	fingerprintChars = 12
)

// Message is the envelope of every frame sent by the hub.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// UsagePayload is the data of a usage message. Only a fingerprint prefix is
// published; tokens and user ids never leave the process.
type UsagePayload struct {
	Fingerprint      string  `json:"fingerprint"`
	Plan             string  `json:"plan"`
	QueryLength      int     `json:"query_length"`
	ResponseLength   int     `json:"response_length"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
}

// Hub maintains the set of connected clients and fans usage events out to
// them.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *HubMetrics
	now     func() time.Time

	totalConnections int64
	messagesSent     int64
	eventsDropped    int64
}

var _ license.UsageObserver = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMetrics records connection and message metrics.
func WithMetrics(m *HubMetrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("Hub shutting down")
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client, reasonNormal)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.totalConnections++
	count := len(h.clients)
	h.mu.Unlock()

	ctx := client.context()
	h.metrics.connected(ctx)
	h.logger.InfoContext(ctx, "Client registered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("remote_addr", client.remoteAddr))

	welcome, err := json.Marshal(Message{
		Type: TypeConnection,
		Data: map[string]string{
			"status":    "connected",
			"client_id": client.id,
		},
		Timestamp: h.now(),
		TraceID:   client.traceID,
	})
	if err != nil {
		return
	}
	select {
	case client.send <- welcome:
	default:
		h.logger.WarnContext(ctx, "Failed to send connection message - client buffer full",
			slog.String("client_id", client.id))
	}
}

// removeClient must only be called from the Run goroutine.
func (h *Hub) removeClient(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := client.context()
	duration := time.Since(client.connectedAt)
	h.metrics.disconnected(ctx, duration, reason)
	h.logger.InfoContext(ctx, "Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", duration))
}

func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- message:
			sent++
		default:
			h.logger.Warn("Client send buffer full, disconnecting",
				slog.String("client_id", client.id))
			h.removeClient(client, reasonSlowClient)
		}
	}

	h.mu.Lock()
	h.messagesSent += int64(sent)
	h.mu.Unlock()
	h.metrics.sent(context.Background(), TypeUsage, sent)
}

func (h *Hub) shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.removeClient(client, reasonShutdown)
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// OnUsage publishes a recorded query. It never blocks: when the broadcast
// queue is full the event is dropped and counted.
func (h *Hub) OnUsage(ctx context.Context, event license.UsageEvent) {
	fp := event.Fingerprint
	if len(fp) > fingerprintChars {
		fp = fp[:fingerprintChars]
	}

	data, err := json.Marshal(Message{
		Type: TypeUsage,
		Data: UsagePayload{
			Fingerprint:      fp,
			Plan:             event.Plan,
			QueryLength:      event.Metrics.QueryLength,
			ResponseLength:   event.Metrics.ResponseLength,
			ProcessingTimeMS: float64(event.Metrics.ProcessingTime) / float64(time.Millisecond),
		},
		Timestamp: event.Timestamp,
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling usage message", slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.mu.Lock()
		h.eventsDropped++
		h.mu.Unlock()
		h.logger.WarnContext(ctx, "Usage broadcast queue full, event dropped")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetHubMetrics returns current hub counters.
func (h *Hub) GetHubMetrics() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"events_dropped":    h.eventsDropped,
		"broadcast_queue":   len(h.broadcast),
	}
}
