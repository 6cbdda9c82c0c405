package sse

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-client queue length.
const DefaultBuffer = 100

// Message is one committed ledger event queued for a stream client.
type Message struct {
	ID      string          `json:"id"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// Client is one open event stream.
type Client struct {
	ID          string
	Subjects    []string
	ConnectedAt time.Time
	C           chan *Message
}

// NewClient creates a client receiving the given subjects. No subjects
// means every subject.
func NewClient(id string, subjects []string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Client{
		ID:          id,
		Subjects:    subjects,
		ConnectedAt: time.Now().UTC(),
		C:           make(chan *Message, buffer),
	}
}

func (c *Client) wants(subject string) bool {
	if len(c.Subjects) == 0 {
		return true
	}
	for _, s := range c.Subjects {
		if strings.EqualFold(s, subject) {
			return true
		}
	}
	return false
}

// Hub fans committed events out to connected stream clients. Slow clients
// lose messages rather than block the commit path.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds c, replacing and closing any client with the same ID.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.ID]; ok {
		close(old.C)
	}
	h.clients[c.ID] = c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		close(c.C)
		delete(h.clients, c.ID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports messages discarded because a client queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast encodes v once and queues it for every interested client.
func (h *Hub) Broadcast(subject, msgID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	msg := &Message{ID: msgID, Subject: subject, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(subject) {
			continue
		}
		select {
		case c.C <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.C)
		delete(h.clients, id)
	}
}
