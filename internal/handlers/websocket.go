// -----------------------------------------------------------------------
// WebSocket handler - live job and task status stream
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local-first deployment; all origins allowed
	},
}

// WSMessage is the wire frame sent to clients.
type WSMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketHandler relays engine events to connected clients. Task updates
// are throttled because a large fan-out can emit thousands per second; job
// and stage transitions always go out.
type WebSocketHandler struct {
	logger        arbor.ILogger
	events        interfaces.EventService
	clients       map[*websocket.Conn]bool
	clientMutex   map[*websocket.Conn]*sync.Mutex
	mu            sync.RWMutex
	minLevel      plog.Level
	taskThrottler *rate.Limiter
}

// NewWebSocketHandler creates the handler and subscribes it to the event bus.
// minEventLevel filters events below the given level ("debug", "info",
// "warn", "error").
func NewWebSocketHandler(events interfaces.EventService, minEventLevel string, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:        logger,
		events:        events,
		clients:       make(map[*websocket.Conn]bool),
		clientMutex:   make(map[*websocket.Conn]*sync.Mutex),
		minLevel:      plog.ParseLevel(minEventLevel),
		taskThrottler: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}

	if events != nil {
		events.Subscribe(interfaces.EventJobUpdate, h.relayEvent)
		events.Subscribe(interfaces.EventStageAdvanced, h.relayEvent)
		events.Subscribe(interfaces.EventTaskUpdate, h.relayThrottled)
	}

	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

func (h *WebSocketHandler) relayEvent(ctx context.Context, event interfaces.Event) error {
	if plog.ParseLevel(event.Level) < h.minLevel {
		return nil
	}
	h.broadcast(WSMessage{
		Type:      string(event.Type),
		Payload:   event.Payload,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (h *WebSocketHandler) relayThrottled(ctx context.Context, event interfaces.Event) error {
	if !h.taskThrottler.Allow() {
		// Dropped updates cost nothing; the job record is the source of truth.
		return nil
	}
	return h.relayEvent(ctx, event)
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send event to client")
		}
	}
}
