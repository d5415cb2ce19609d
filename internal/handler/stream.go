package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/dto"
	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
	"saltdetect/internal/middleware"
	"saltdetect/internal/service/stream"
	wshub "saltdetect/internal/service/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Budget for closing the session after the peer went away
	cleanupTimeout = 5 * time.Second

	sendBuffer = 32
)

// NewUpgrader returns an upgrader that applies the configured origin allow list.
func NewUpgrader(cfg *config.Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(cfg.AllowedOrigins, r)
		},
	}
}

// StreamWebsocketHandler serves the detection stream. Each connection gets its own
// stream.Session driven by a single worker goroutine.
func StreamWebsocketHandler(cfg *config.Config, deps stream.Deps, hub *wshub.HubService) http.HandlerFunc {
	upgrader := NewUpgrader(cfg)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		if !hub.Register(conn) {
			conn.Close()
			return
		}
		defer hub.Unregister(conn)

		c := newStreamClient(cfg, conn, stream.NewSession(cfg, deps), deps.Logger, deps.Metrics)
		c.run(r.Context())
	}
}

// streamClient is one stream connection: a read pump, a dispatch worker and a write pump.
type streamClient struct {
	id      string
	conn    *websocket.Conn
	session *stream.Session
	inbox   chan dto.Inbound
	send    chan dto.Outbound
	limiter *rate.Limiter
	maxSize int64
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func newStreamClient(cfg *config.Config, conn *websocket.Conn, session *stream.Session, logger *logger.Logger, metrics *metrics.Metrics) *streamClient {
	c := &streamClient{
		id:      uuid.NewString()[:8],
		conn:    conn,
		session: session,
		inbox:   make(chan dto.Inbound, max(cfg.FrameQueueSize, 1)),
		send:    make(chan dto.Outbound, sendBuffer),
		maxSize: cfg.MaxFrameBytes,
		logger:  logger,
		metrics: metrics,
	}
	if cfg.MaxFrameRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFrameRate), max(int(cfg.MaxFrameRate), 1))
	}
	return c
}

// run blocks until the peer goes away, then stops the worker and closes the session.
func (c *streamClient) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.logger.Info("Stream client %s connected from %s", c.id, c.conn.RemoteAddr())
	c.send <- c.session.Hello()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(ctx, cancel)
	}()

	workerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(workerDone)
		c.worker(ctx)
	}()

	c.readPump(ctx)
	cancel()

	<-workerDone
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
	c.session.Close(cleanupCtx)
	cleanupCancel()

	wg.Wait()
	c.logger.Info("Stream client %s disconnected", c.id)
}

func (c *streamClient) readPump(ctx context.Context) {
	if c.maxSize > 0 {
		c.conn.SetReadLimit(c.maxSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warning("Stream client %s read error: %v", c.id, err)
			}
			return
		}

		var msg dto.Inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			c.metrics.MessageError(apperr.CodeInvalidMessage)
			c.enqueue(ctx, dto.NewError(apperr.CodeInvalidMessage, "message must be a JSON object with an event"))
			continue
		}

		if !c.accept(ctx, msg) {
			return
		}
	}
}

// accept queues msg for the worker. Frames are dropped when the inbox is full or the
// rate cap is hit, control messages wait for room. It returns false once ctx is done.
func (c *streamClient) accept(ctx context.Context, msg dto.Inbound) bool {
	if msg.Event != dto.EventFrame {
		select {
		case c.inbox <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.drop(ctx, "frame rate limit exceeded")
		return ctx.Err() == nil
	}

	select {
	case c.inbox <- msg:
	default:
		c.drop(ctx, "frame queue is full")
	}
	return ctx.Err() == nil
}

func (c *streamClient) drop(ctx context.Context, reason string) {
	c.metrics.FrameDropped()
	c.metrics.MessageError(apperr.CodeFrameDropped)
	c.logger.Debug("Stream client %s dropped a frame: %s", c.id, reason)
	c.enqueue(ctx, dto.NewError(apperr.CodeFrameDropped, reason))
}

// worker dispatches messages strictly in arrival order.
func (c *streamClient) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			for _, event := range c.session.Dispatch(ctx, msg) {
				if !c.enqueue(ctx, event) {
					return
				}
			}
		}
	}
}

func (c *streamClient) enqueue(ctx context.Context, event dto.Outbound) bool {
	select {
	case c.send <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *streamClient) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Warning("Stream client %s write error: %v", c.id, err)
				cancel()
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				c.conn.Close()
				return
			}

		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
