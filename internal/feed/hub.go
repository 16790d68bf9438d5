// Package feed fans committed store changes out to live subscribers.
package feed

import (
	"encoding/json"
	"sync"

	"qms/prayerroom-service/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const clientBuffer = 16

type Client struct {
	ID      string
	Send    chan models.ChangeEvent
	filters []Filter
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func NewClient() *Client {
	return &Client{ID: uuid.NewString(), Send: make(chan models.ChangeEvent, clientBuffer)}
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

// AddFilter subscribes client to one more table/predicate.
func (h *Hub) AddFilter(client *Client, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.filters = append(client.filters, filter)
}

// RemoveFilters drops every filter on table, or all filters when table is empty.
func (h *Hub) RemoveFilters(client *Client, table string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if table == "" {
		client.filters = nil
		return
	}
	kept := client.filters[:0]
	for _, filter := range client.filters {
		if filter.Table != table {
			kept = append(kept, filter)
		}
	}
	client.filters = kept
}

// Subscribe registers an in-process subscriber for filter. The returned
// cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(filter Filter) (<-chan models.ChangeEvent, func()) {
	client := NewClient()
	client.filters = []Filter{filter}
	h.Register(client)
	var once sync.Once
	return client.Send, func() {
		once.Do(func() { h.Unregister(client) })
	}
}

func (h *Hub) Broadcast(event models.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !matchAny(client.filters, event) {
			continue
		}
		select {
		case client.Send <- event:
		default:
			h.logger.Warn("drop change event for slow subscriber",
				zap.String("client_id", client.ID),
				zap.Int64("seq", event.Seq),
			)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func matchAny(filters []Filter, event models.ChangeEvent) bool {
	for _, filter := range filters {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}

type SubscribeMessage struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
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
