// Package websocket pushes activation state changes and bundle progress to
// connected browsers.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"redeemcli/internal/activation"
	"redeemcli/internal/infrastructure"
)

// Message types sent to clients.
const (
	TypeConnection = "connection"
	TypeState      = "activation:state"
	TypeProgress   = "activation:progress"
)

const broadcastBuffer = 256

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
// It implements activation.Observer.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *OTelMetrics

	quit    chan struct{}
	running bool
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *OTelMetrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		metrics:    metrics,
		quit:       make(chan struct{}),
	}
}

// Start runs the hub loop in the background. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

func (h *Hub) run() {
	ctx := context.Background()
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub_stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("client_registered",
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("total_clients", count))
			h.metrics.RecordConnection(ctx)

			if hello, err := encode(TypeConnection, "", map[string]string{"status": "connected", "client_id": client.id}); err == nil {
				select {
				case client.send <- hello:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.mu.Unlock()
				h.logger.Info("client_unregistered",
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
				h.metrics.RecordDisconnection(ctx, time.Since(client.connectedAt))
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.fanOut(ctx, message)
		}
	}
}

func (h *Hub) fanOut(ctx context.Context, message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// Slow client: drop it rather than stall everyone else.
			close(client.send)
			delete(h.clients, client)
			dropped++
			h.logger.Warn("client_send_buffer_full", slog.String("client_id", client.id))
		}
	}
	h.metrics.RecordBroadcast(ctx, dropped)
}

// Broadcast queues a message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Broadcast(msgType, runID string, data any) {
	payload, err := encode(msgType, runID, data)
	if err != nil {
		h.logger.Error("broadcast_encode_failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}
	select {
	case <-h.quit:
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast_dropped", slog.String("type", msgType), slog.String("run_id", runID))
		h.metrics.RecordDropped(context.Background())
	}
}

// StateChanged implements activation.Observer.
func (h *Hub) StateChanged(runID string, state activation.State) {
	h.Broadcast(TypeState, runID, state)
}

// BundleProgressed implements activation.Observer.
func (h *Hub) BundleProgressed(runID string, progress activation.BundleProgress) {
	h.Broadcast(TypeProgress, runID, progress)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and ends the hub loop.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.quit)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func encode(msgType, runID string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, RunID: runID, Data: data, Timestamp: time.Now().UTC()})
}
