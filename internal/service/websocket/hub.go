package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
)

// HubService keeps track of the live stream connections.
// Connections never talk to each other, the hub only counts them and closes them on shutdown.
type HubService struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	active     sync.WaitGroup
	mutex      sync.RWMutex
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewHubService(logger *logger.Logger, metrics *metrics.Metrics) *HubService {
	return &HubService{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
	}
}

// Run serves registrations until ctx is cancelled, then closes every remaining connection.
func (h *HubService) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.active.Add(1)
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.ConnectionOpened()
			h.logger.Info("Client connected from %s. Total: %d", client.RemoteAddr(), count)

		case client := <-h.unregister:
			h.mutex.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			count := len(h.clients)
			h.mutex.Unlock()
			if ok {
				client.Close()
				h.metrics.ConnectionClosed()
				h.logger.Info("Client disconnected. Total: %d", count)
			}

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *HubService) shutdown() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for client := range h.clients {
		_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
		client.Close()
		h.metrics.ConnectionClosed()
	}
	if n := len(h.clients); n > 0 {
		h.logger.Info("Closed %d connections on shutdown", n)
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a connection. It returns false once the hub has stopped.
func (h *HubService) Register(client *websocket.Conn) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes and closes a connection once its handler is finished with it.
func (h *HubService) Unregister(client *websocket.Conn) {
	defer h.active.Done()
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *HubService) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Wait blocks until every registered connection has been unregistered or ctx is done.
// Call it after Run has returned.
func (h *HubService) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
