// Package ws serves the observer event stream over WebSocket.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/hub"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
)

// Config holds connection timing.
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Server handles WebSocket connections.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(h *hub.Hub, cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	return &Server{
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// connection pairs a socket with its hub subscription. Hub events and
// control replies share the single writer goroutine.
type connection struct {
	ws      *websocket.Conn
	sub     *hub.Subscriber
	control chan []byte
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (c *connection) stop() {
	c.once.Do(func() { close(c.done) })
}

// Handle upgrades the request and streams events until either side goes away.
// GET /ws?incident_id=
func (s *Server) Handle(c echo.Context) error {
	logger := ctxlog.FromContext(c.Request().Context())
	sub, err := s.hub.Subscribe(c.QueryParam("incident_id"))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.hub.Unsubscribe(sub)
		logger.Warn("failed to upgrade websocket", "error", err)
		return nil
	}

	conn := &connection{
		ws:      ws,
		sub:     sub,
		control: make(chan []byte, 8),
		done:    make(chan struct{}),
		logger:  logger.With("subscriber_id", sub.ID),
	}
	greeting, _ := json.Marshal(map[string]string{"subscriber_id": sub.ID, "incident_id": sub.IncidentID})
	conn.send(controlEvent(domain.EventTypeConnected, greeting))
	conn.logger.Debug("observer connected")

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

func controlEvent(eventType domain.EventType, data json.RawMessage) []byte {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	b, _ := json.Marshal(domain.Event{EventType: eventType, Timestamp: time.Now(), Data: data})
	return b
}

func (c *connection) send(msg []byte) {
	select {
	case c.control <- msg:
	default:
		c.logger.Warn("control buffer full, dropping reply")
	}
}

// readPump answers pings and detects disconnects.
func (s *Server) readPump(conn *connection) {
	defer func() {
		s.hub.Unsubscribe(conn.sub)
		conn.stop()
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				conn.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if isPing(message) {
			conn.send(controlEvent(domain.EventTypePong, nil))
		}
	}
}

// isPing accepts a bare "ping" or {"type":"ping"}.
func isPing(message []byte) bool {
	text := strings.TrimSpace(string(message))
	if strings.EqualFold(text, "ping") {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(message, &msg) == nil && msg.Type == "ping"
}

// writePump writes hub events and control replies to the socket.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.sub.Send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub dropped the observer or shut down.
				conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "observer dropped"))
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				conn.logger.Warn("failed to write event", "error", err)
				return
			}

		case message := <-conn.control:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			return
		}
	}
}
