// Package realtime fans live tracking updates out to dashboard clients over
// WebSocket. Redis pub/sub bridges instances so every dashboard sees updates
// regardless of which instance ingested the event.
package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Publisher publishes an update to Redis for cross-instance delivery.
type Publisher interface {
	PublishUpdate(event string, payload []byte) error
}

// Subscriber subscribes to the shared update channel and invokes handler for
// incoming messages. Returns a cancel function.
type Subscriber interface {
	SubscribeUpdates(handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains the set of connected dashboard clients and broadcasts
// tracking updates to them.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
	pub     Publisher
	cancel  func()
}

// NewHub creates a hub. When sub is non-nil the hub subscribes to the shared
// channel so updates published by other instances reach local clients.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
		pub:     pub,
	}
	if sub != nil {
		cancel, err := sub.SubscribeUpdates(func(event string, payload []byte) {
			h.broadcastLocal(event, json.RawMessage(payload))
		})
		if err != nil {
			logger.Warn("redis subscribe failed, running local-only", zap.Error(err))
		} else {
			h.cancel = cancel
		}
	}
	return h
}

// Register adds a connected dashboard client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("dashboard client connected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("dashboard client disconnected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an update to local clients and publishes it for other
// instances. Marshal failures drop the update.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcastLocal(event, data)
	if h.pub != nil {
		if err := h.pub.PublishUpdate(event, data); err != nil {
			h.logger.Debug("redis publish failed", zap.String("event", event), zap.Error(err))
		}
	}
}

func (h *Hub) broadcastLocal(event string, data json.RawMessage) {
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Close cancels the Redis subscription.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}
