package runfeed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const clientBuffer = 64

// Event is one run lifecycle notification. It never carries transcript text
// or attachment bytes.
type Event struct {
	RunID      string    `json:"run_id"`
	ChatID     int64     `json:"chat_id"`
	Stage      string    `json:"stage"`
	Outcome    string    `json:"outcome,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// client is one subscriber
type client struct {
	id     string
	events chan []byte
}

// Hub broadcasts run events to subscribers. Slow subscribers drop events
// rather than stall the runs that publish them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	logger  zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger.With().Str("component", "runfeed").Logger(),
	}
}

// Publish sends ev to every subscriber without blocking
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode run event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.events <- data:
		default:
			h.logger.Warn().Str("client_id", c.id).Str("run_id", ev.RunID).Msg("Subscriber too slow, dropping run event")
		}
	}
}

// subscribe registers a new client; ok is false once the hub is closed
func (h *Hub) subscribe() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{id: uuid.NewString(), events: make(chan []byte, clientBuffer)}
	h.clients[c.id] = c
	h.logger.Debug().Str("client_id", c.id).Int("total_clients", len(h.clients)).Msg("Subscriber registered")
	return c, true
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.events)
		h.logger.Debug().Str("client_id", c.id).Int("total_clients", len(h.clients)).Msg("Subscriber unregistered")
	}
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all subscribers and rejects new ones. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.events)
		delete(h.clients, id)
	}
}
