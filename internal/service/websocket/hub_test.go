package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
)

func startHub(t *testing.T) (*HubService, *metrics.Metrics, context.CancelFunc, chan struct{}) {
	t.Helper()
	m := metrics.New()
	hub := NewHubService(logger.NewNop(), m)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(cancel)
	return hub, m, cancel, stopped
}

// echoServer registers every connection and reads until the peer goes away.
func echoServer(t *testing.T, hub *HubService) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if !hub.Register(conn) {
			conn.Close()
			return
		}
		defer hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHub_CountsConnections(t *testing.T) {
	hub, m, _, _ := startHub(t)
	url := echoServer(t, hub)

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), m.ActiveConnections.Load())

	a.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), m.ActiveConnections.Load())

	b.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	hub, m, cancel, stopped := startHub(t)
	url := echoServer(t, hub)

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, hub.Wait(ctx))
	assert.Zero(t, hub.GetClientCount())
	assert.Zero(t, m.ActiveConnections.Load())

	// Late connections are refused
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}
