package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/infrastructure/events"
	"streamadapt/internal/infrastructure/middleware"
	"streamadapt/pkg/config"
)

func testOptions() Options {
	return Options{
		PingInterval:   time.Second,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		ClientBuffer:   16,
		MaxMessageSize: 1024,
	}
}

type feedFixture struct {
	broker *events.Broker
	server *WebSocketServer
	http   *httptest.Server
}

func newFeed(t *testing.T, limiter *middleware.WebSocketLimiter) *feedFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	broker := events.NewBroker(logger)
	server := NewWebSocketServer(broker, limiter, testOptions(), logger)
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return &feedFixture{broker: broker, server: server, http: ts}
}

func (f *feedFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, msgSubscribed, msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func event(t domain.EventType, session domain.SessionID) domain.Event {
	return domain.NewEvent(t, session, "video-1", time.Now(), nil)
}

func TestFilter_Match(t *testing.T) {
	ev := event(domain.EventQualityChange, "s1")

	assert.True(t, Filter{}.Match(ev))
	assert.True(t, Filter{SessionID: "s1", StreamID: "video-1"}.Match(ev))
	assert.False(t, Filter{SessionID: "s2"}.Match(ev))
	assert.False(t, Filter{StreamID: "video-2"}.Match(ev))
	assert.True(t, Filter{Types: []domain.EventType{domain.EventAlertRaised, domain.EventQualityChange}}.Match(ev))
	assert.False(t, Filter{Types: []domain.EventType{domain.EventAlertRaised}}.Match(ev))
}

func TestWebSocketServer_DeliversFilteredEvents(t *testing.T) {
	f := newFeed(t, nil)
	conn := f.dial(t, "?session_id=s1&types=quality.changed,session.ended")

	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, event(domain.EventQualityChange, "s2")))
	require.NoError(t, f.broker.Publish(ctx, event(domain.EventBufferStarved, "s1")))
	require.NoError(t, f.broker.Publish(ctx, event(domain.EventQualityChange, "s1")))

	msg := readMessage(t, conn)
	require.Equal(t, msgEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.SessionID("s1"), msg.Event.SessionID)
	assert.Equal(t, domain.EventQualityChange, msg.Event.Type)
	assert.EqualValues(t, 1, f.server.ActiveConnections())
}

func TestWebSocketServer_ClientChangesFilter(t *testing.T) {
	f := newFeed(t, nil)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:   msgFilter,
		Filter: Filter{Types: []domain.EventType{domain.EventAlertRaised}},
	}))
	reply := readMessage(t, conn)
	require.Equal(t, msgSubscribed, reply.Type)
	require.NotNil(t, reply.Filter)
	assert.Equal(t, []domain.EventType{domain.EventAlertRaised}, reply.Filter.Types)

	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, event(domain.EventQualityChange, "s1")))
	require.NoError(t, f.broker.Publish(ctx, event(domain.EventAlertRaised, "s1")))

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.EventAlertRaised, msg.Event.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	errMsg := readMessage(t, conn)
	assert.Equal(t, msgError, errMsg.Type)
	assert.Contains(t, errMsg.Error, "bogus")
}

func TestWebSocketServer_BrokerCloseEndsFeed(t *testing.T) {
	f := newFeed(t, nil)
	conn := f.dial(t, "")

	f.broker.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocketServer_Shutdown(t *testing.T) {
	f := newFeed(t, nil)
	conn := f.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	assert.EqualValues(t, 0, f.server.ActiveConnections())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketServer_ShutdownDuringConnects(t *testing.T) {
	f := newFeed(t, nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	wg.Wait()

	assert.EqualValues(t, 0, f.server.ActiveConnections())
	assert.False(t, f.server.track())
	require.NoError(t, f.server.Shutdown(ctx))
}

func TestWebSocketServer_LimiterRejectsExtraConnections(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1

	f := newFeed(t, middleware.NewWebSocketLimiter(cfg))
	f.dial(t, "")

	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
