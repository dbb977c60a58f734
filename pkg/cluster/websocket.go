package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebSocketPath is where workers connect.
const WebSocketPath = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// DefaultWriteTimeout bounds a frame write to one worker.
const DefaultWriteTimeout = 30 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// DisableMetrics leaves /metrics unmounted.
	DisableMetrics bool
	// WriteTimeout bounds each frame sent to a worker; 0 means
	// DefaultWriteTimeout.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server exposes a hub over HTTP:
//
//	GET /ws       worker connections, one binary frame per message
//	GET /status   master Status as JSON
//	GET /metrics  Prometheus metrics, unless disabled
type Server struct {
	hub          *Hub
	status       func() Status
	logger       *slog.Logger
	router       chi.Router
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewServer builds the router. status may be nil.
func NewServer(hub *Hub, status func() Status, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:          hub,
		status:       status,
		logger:       logger.With("component", "server"),
		router:       chi.NewRouter(),
		writeTimeout: cfg.WriteTimeout,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get(WebSocketPath, s.handleWS)
	s.router.Get("/status", s.handleStatus)
	if !cfg.DisableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Close drops every worker connection with a normal close frame and rejects
// new ones. Workers still waiting for a task then stop cleanly.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	clear(s.conns)
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Warn("failed to write status", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer conn.Close()
	if !s.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "run finished"), time.Now().Add(time.Second))
		return
	}
	defer s.untrack(conn)
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	peer := &wsPeer{conn: conn, timeout: s.writeTimeout}
	ctx := context.Background()
	worker := ""
	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			if worker != "" {
				_ = s.hub.deliver(ctx, Envelope{Peer: peer, Worker: worker, Err: fmt.Errorf("read: %w", err)})
			}
			return
		}
		var env Envelope
		if mt != websocket.BinaryMessage {
			env = Envelope{Peer: peer, Worker: worker, Err: malformed("websocket message type %d", mt)}
		} else {
			env = envelopeFor(frame, peer, worker)
			if env.Err == nil {
				worker = env.Msg.Worker
			}
		}
		if err := s.hub.deliver(ctx, env); err != nil {
			return
		}
	}
}

// wsPeer writes to one worker. Close frames from Server.Close go through
// WriteControl, which gorilla allows concurrently with WriteMessage.
type wsPeer struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (p *wsPeer) Send(_ context.Context, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
		return closedOr(err)
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return closedOr(err)
	}
	return nil
}

// Dial connects a worker to the master at url (ws://host:port/ws).
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial master %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(_ context.Context, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return closedOr(err)
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	mt, frame, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, closedOr(err)
	}
	if mt != websocket.BinaryMessage {
		return Message{}, malformed("websocket message type %d", mt)
	}
	return Decode(frame)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

func closedOr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
