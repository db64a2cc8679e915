package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscription narrows a client to one specialist's board. Empty fields
// match everything once the client has subscribed.
type Subscription struct {
	SpecialistID string
	TargetDate   string
}

// Client receives nothing until it subscribes.
type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
	subscribed   bool
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	SpecialistID string `json:"specialist_id"`
	TargetDate   string `json:"target_date"`
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
	client.subscribed = true
}

func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = Subscription{}
	client.subscribed = false
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast hands payload to every matching client without blocking. Slow
// clients lose the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.subscribed || !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("dropping board message", zap.String("client_id", client.ID))
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.SpecialistID != "" && meta.SpecialistID != sub.SpecialistID {
		return false
	}
	if sub.TargetDate != "" && meta.TargetDate != sub.TargetDate {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
