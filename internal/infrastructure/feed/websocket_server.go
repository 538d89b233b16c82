package feed

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"
	"streamadapt/internal/infrastructure/middleware"
	"streamadapt/pkg/config"
	"streamadapt/pkg/tracing"
)

// Filter selects which events a connection receives. Empty fields match
// everything.
type Filter struct {
	SessionID domain.SessionID   `json:"session_id,omitempty"`
	StreamID  domain.StreamID    `json:"stream_id,omitempty"`
	Types     []domain.EventType `json:"types,omitempty"`
}

// Match reports whether ev passes the filter; empty fields match anything.
func (f Filter) Match(ev domain.Event) bool {
	if f.SessionID != "" && f.SessionID != ev.SessionID {
		return false
	}
	if f.StreamID != "" && f.StreamID != ev.StreamID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

func filterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	f := Filter{
		SessionID: domain.SessionID(q.Get("session_id")),
		StreamID:  domain.StreamID(q.Get("stream_id")),
	}
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, domain.EventType(t))
			}
		}
	}
	return f
}

// ClientMessage is what a client may send on an open feed.
type ClientMessage struct {
	Type   string `json:"type"`
	Filter Filter `json:"filter"`
}

// ServerMessage wraps everything written to the client.
type ServerMessage struct {
	Type   string        `json:"type"`
	Event  *domain.Event `json:"event,omitempty"`
	Filter *Filter       `json:"filter,omitempty"`
	Error  string        `json:"error,omitempty"`
}

const (
	msgEvent      = "event"
	msgSubscribed = "subscribed"
	msgError      = "error"
	msgFilter     = "filter"
)

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	ClientBuffer   int
	MaxMessageSize int64
}

// OptionsFromConfig reads feed options from the events and rate limiting
// sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PingInterval:   cfg.Events.PingInterval,
		PongTimeout:    cfg.Events.PongTimeout,
		WriteTimeout:   cfg.Events.WriteTimeout,
		ClientBuffer:   cfg.Events.ClientBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
}

// WebSocketServer streams core events to dashboard clients.
type WebSocketServer struct {
	subscriber ports.EventSubscriber
	limiter    *middleware.WebSocketLimiter
	opts       Options
	upgrader   websocket.Upgrader

	active atomic.Int64
	wg     sync.WaitGroup

	// mu orders wg.Add against Shutdown's Wait.
	mu      sync.Mutex
	closed  bool
	closing chan struct{}

	logger *zap.SugaredLogger
}

// NewWebSocketServer creates a new event feed server.
func NewWebSocketServer(subscriber ports.EventSubscriber, limiter *middleware.WebSocketLimiter, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4 * 1024
	}
	return &WebSocketServer{
		subscriber: subscriber,
		limiter:    limiter,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
		logger:  logger,
	}
}

func (s *WebSocketServer) ActiveConnections() int64 {
	return s.active.Load()
}

// HandleWebSocket upgrades the request and streams matching events until
// either side closes.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	if s.limiter != nil {
		release, appErr := s.limiter.Acquire(r)
		if appErr != nil {
			http.Error(w, appErr.Message, appErr.HTTPStatus)
			return
		}
		defer release()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	_, span := tracing.TraceEventFeed(r.Context(), r.RemoteAddr)
	defer span.End()

	s.serve(conn, filterFromQuery(r))
}

// track registers a handler with the shutdown wait group unless the
// server is already closing.
func (s *WebSocketServer) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) serve(conn *websocket.Conn, filter Filter) {
	defer conn.Close()

	events, unsubscribe := s.subscriber.Subscribe(s.opts.ClientBuffer)
	defer unsubscribe()

	conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	s.logger.Debugw("event feed client connected", "remote", conn.RemoteAddr().String(), "session_id", filter.SessionID)

	done := make(chan struct{})
	defer close(done)

	controls := make(chan ClientMessage, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case controls <- msg:
			case <-done:
				return
			}
		}
	}()

	if err := s.write(conn, ServerMessage{Type: msgSubscribed, Filter: &filter}); err != nil {
		return
	}

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.closeWith(conn, websocket.CloseGoingAway, "feed closed")
				return
			}
			if !filter.Match(ev) {
				continue
			}
			if err := s.write(conn, ServerMessage{Type: msgEvent, Event: &ev}); err != nil {
				s.logger.Debugw("event feed write failed", "error", err)
				return
			}

		case msg := <-controls:
			reply := ServerMessage{Type: msgSubscribed}
			if msg.Type == msgFilter {
				filter = msg.Filter
				reply.Filter = &filter
			} else {
				reply = ServerMessage{Type: msgError, Error: "unknown message type: " + msg.Type}
			}
			if err := s.write(conn, reply); err != nil {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("event feed ping failed", "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("event feed client read error", "error", err)
			}
			return

		case <-s.closing:
			s.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *WebSocketServer) write(conn *websocket.Conn, msg ServerMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *WebSocketServer) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.opts.WriteTimeout))
}

// Shutdown tells every open connection to close and waits for them.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.closing)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
