// Package websocket pushes job snapshots to clients subscribed by job id.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/contrib/websocket"

	"github.com/amura2406/songshake/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	// done is closed when Run returns.
	done chan struct{}

	mu     sync.RWMutex
	logger *log.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done. On return
// every client's Send is closed and later Register and Unregister calls
// return immediately.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("slow websocket client, dropping snapshot", "job_id", msg.JobID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// remove must be called with mu held. Send is closed only here, so a
// client's own goroutines may write to it until Unregister returns.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
	h.mu.Unlock()
	close(h.done)
}

// Register adds a new client. It reports false once the hub has stopped;
// the client is not tracked then.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of clients watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// BroadcastJob pushes a job snapshot to its subscribers. It never blocks
// the caller: when the hub is saturated the snapshot is dropped, and the
// next tick carries newer state anyway.
func (h *Hub) BroadcastJob(job *model.Job) {
	if job == nil {
		return
	}

	msgType := model.WSMessageTypeProgress
	switch job.Status {
	case model.JobStatusCompleted, model.JobStatusCancelled:
		msgType = model.WSMessageTypeComplete
	case model.JobStatusError:
		msgType = model.WSMessageTypeError
	}

	data, err := json.Marshal(model.WSJobMessage{
		Type:  msgType,
		JobID: job.ID,
		Job:   job,
	})
	if err != nil {
		h.logger.Error("failed to marshal job message", "job_id", job.ID, "err", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping snapshot", "job_id", job.ID)
	}
}

// HandleConnection serves one subscriber until it disconnects. initial,
// when non-nil, is sent before any pushed update.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial *model.Job) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	if !h.Register(client) {
		c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}
	defer h.Unregister(client)

	if initial != nil {
		if data, err := json.Marshal(model.WSJobMessage{Type: model.WSMessageTypeProgress, JobID: jobID, Job: initial}); err == nil {
			client.Send <- data
		}
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "job_id", jobID, "err", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			default:
			}
		}
	}
}
