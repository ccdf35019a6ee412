package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub tracks the WebSocket clients of this process. It attaches each new
// client to the Coordinator, runs its pumps, and detaches it exactly once
// when the read pump ends.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	coord      Coordinator
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// NewHub creates a Hub. Run must be started before clients join.
func NewHub(coord Coordinator, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		coord:      coord,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run handles client registration and unregistration until Shutdown. It
// blocks and is meant to run in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.attach(client)

		case client := <-h.unregister:
			h.detach(client)
		}
	}
}

// join hands a freshly upgraded client to the hub. It reports false, and
// closes the connection, when the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		c.closeConnection()
		return false
	}
}

// leave is called once by the read pump when it exits.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.detach(c)
	}
}

func (h *Hub) attach(c *Client) {
	handle, err := h.coord.Connect(c.userID, c.deviceID, c)
	if err != nil {
		h.logger.Warn("rejecting connection", "user_id", c.userID, "addr", c.addr, "error", err)
		c.closeSend()
		c.closeConnection()
		return
	}
	c.connID = handle.ID

	h.mutex.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.logger.Info("client registered",
		"user_id", c.userID, "device_id", c.deviceID, "conn_id", c.connID, "addr", c.addr, "clients", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (h *Hub) detach(c *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.coord.Disconnect(c.connID)
	c.closeSend()
	h.logger.Info("client unregistered", "user_id", c.userID, "conn_id", c.connID, "addr", c.addr, "clients", clientCount)
}

// Count returns the number of attached clients.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// shutdownClients closes all active client connections; their read pumps
// then detach them.
func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		client.closeConnection()
	}
	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub and waits for every client goroutine to finish, or
// for the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
