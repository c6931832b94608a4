package devserver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/metrics"
)

// Hub tracks connected clients and which collections each one watches.
type Hub struct {
	clients    map[*Client]bool
	groups     map[string]map[*Client]bool // collection -> watching clients
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	metrics    *metrics.ServerMetrics
	logger     *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(m *metrics.ServerMetrics, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger,
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.ClientConnected()
			h.logger.Debug("client registered", zap.String("connID", client.connID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for group := range h.groups {
					h.leaveLocked(client, group)
				}
				client.closeSend()
				h.metrics.ClientDisconnected()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("connID", client.connID))
		}
	}
}

// shutdown closes every client connection.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
		h.metrics.ClientDisconnected()
	}
	h.groups = make(map[string]map[*Client]bool)
}

// add registers a client. It reports false once the hub has shut down.
func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// drop schedules a client for removal without blocking the caller.
func (h *Hub) drop(client *Client) {
	go h.remove(client)
}

// JoinGroup adds a client to the watchers of a collection.
func (h *Hub) JoinGroup(client *Client, collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.groups[collection] == nil {
		h.groups[collection] = make(map[*Client]bool)
	}
	h.groups[collection][client] = true

	h.logger.Debug("client joined group",
		zap.String("connID", client.connID),
		zap.String("collection", collection),
	)
}

// LeaveGroup removes a client from the watchers of a collection.
func (h *Hub) LeaveGroup(client *Client, collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, collection)
}

func (h *Hub) leaveLocked(client *Client, collection string) {
	if clients, ok := h.groups[collection]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.groups, collection)
		}
	}
}

// ActiveGroups returns the collections with at least one watching client.
func (h *Hub) ActiveGroups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var groups []string
	for group, clients := range h.groups {
		if len(clients) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish forwards a mutation to every client watching its collection.
// Each client renders it for its own subscriptions.
func (h *Hub) Publish(m Mutation) {
	h.metrics.Mutation(m.Collection)

	h.mu.RLock()
	clients, ok := h.groups[m.Collection]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy clients to avoid holding lock during send
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if !client.notify(m) {
			// Buffer full, schedule disconnect
			h.drop(client)
		}
	}
}
