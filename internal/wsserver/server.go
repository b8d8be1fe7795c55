// Package wsserver implements the control-plane server (spec.md §4.3): it
// accepts WebSocket connections, parses the small JSON command language,
// emits QueueEvents inward, and broadcasts lifecycle events outward to
// every live connection.
//
// Generalized from the teacher's (KeganHollern/BananaTalk) relay
// Client/upgrader/heartbeat shape: the per-connection write mutex,
// SetReadLimit/SetReadDeadline/SetPongHandler keepalive, and gorilla
// upgrader are kept as-is; the 1:1 addressed Message relay is replaced
// with this spec's command language and broadcast-only output.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KeganHollern/slippiauth/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes bounds inbound text frames; the command language is a
	// handful of short fields, never match traffic.
	maxFrameBytes = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connection is one live WebSocket client.
type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *connection) writeText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

// inboundCommand is the small JSON command language spec.md §6 accepts.
type inboundCommand struct {
	Type      string `json:"type"`
	UserCode  string `json:"userCode"`
	Timeout   *int   `json:"timeout"`
	DiscordID *int64 `json:"discordId"`
}

// Server accepts WebSocket connections on a configured TCP port and
// broadcasts lifecycle events to every live one.
type Server struct {
	port int
	bus  *events.Bus
	log  *slog.Logger

	mu          sync.Mutex
	connections []*connection

	listening atomic.Bool
	listener  net.Listener
}

// New builds a Server bound to port. It subscribes to the five outbound
// lifecycle event types so every one is broadcast as it's published.
func New(port int, bus *events.Bus, log *slog.Logger) *Server {
	s := &Server{port: port, bus: bus, log: log}
	s.listening.Store(true)

	events.Subscribe(bus, func(e events.SearchingEvent) {
		s.broadcast(map[string]any{
			"type":     "searching",
			"discordId": e.RequesterID,
			"botCode":   e.BotConnectCode,
			"userCode":  e.TargetConnectCode,
		})
	})
	events.Subscribe(bus, func(e events.AuthenticatedEvent) {
		s.broadcast(map[string]any{
			"type":      "authenticated",
			"discordId": e.RequesterID,
			"userCode":  e.TargetConnectCode,
			"userName":  e.UserName,
			"userIp":    e.UserIP,
		})
	})
	events.Subscribe(bus, func(e events.SlippiErrorEvent) {
		s.broadcast(map[string]any{
			"type":      "slippiErr",
			"discordId": e.RequesterID,
			"userCode":  e.TargetConnectCode,
		})
	})
	events.Subscribe(bus, func(e events.TimeoutEvent) {
		s.broadcast(map[string]any{
			"type":      "timeout",
			"discordId": e.RequesterID,
			"userCode":  e.TargetConnectCode,
		})
	})
	events.Subscribe(bus, func(e events.NoReadyClientEvent) {
		s.broadcast(map[string]any{
			"type":      "noReadyClient",
			"discordId": e.RequesterID,
			"userCode":  e.TargetConnectCode,
		})
	})

	return s
}

// ListenAndServe blocks serving WebSocket upgrades on /ws until ctx is
// canceled or an unrecoverable listen error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleConnection)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("wsserver: listen :%d: %w", s.port, err)
	}
	s.listener = ln

	httpServer := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	s.log.Info("control-plane server started", "port", s.port)

	select {
	case <-ctx.Done():
		_ = httpServer.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if !s.listening.Load() {
		http.Error(w, "server is not accepting new connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &connection{conn: conn}
	s.addConnection(c)
	defer s.removeConnection(c)

	s.log.Info("a websocket client connected")

	go s.heartbeat(c)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Error("websocket error", "error", err)
			} else {
				s.log.Info("a websocket client disconnected")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		s.handleMessage(c, payload)
	}
}

func (s *Server) heartbeat(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.writeControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

// handleMessage implements spec.md §4.3/§6's inbound command language.
func (s *Server) handleMessage(c *connection, payload []byte) {
	if string(payload) == "ping" {
		_ = c.writeText([]byte("pong"))
		return
	}

	var cmd inboundCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.reply(c, map[string]any{"type": "jsonErr"})
		return
	}

	switch cmd.Type {
	case "queue":
		if cmd.UserCode == "" || cmd.Timeout == nil || cmd.DiscordID == nil {
			s.reply(c, map[string]any{"type": "missingArg", "what": "code, timeout or discordId"})
			return
		}
		s.bus.Publish(events.QueueEvent{
			RequesterID:       *cmd.DiscordID,
			TargetConnectCode: cmd.UserCode,
			TimeoutMs:         *cmd.Timeout,
		})

	case "stopListening":
		s.listening.Store(false)

	default:
		s.reply(c, map[string]any{"type": "unknownCommand"})
	}
}

func (s *Server) reply(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal reply", "error", err)
		return
	}
	if err := c.writeText(data); err != nil {
		s.log.Error("failed to send reply", "error", err)
	}
}

// broadcast sends v, as JSON, to every live connection. A send failure is
// logged; the connection is culled on its own close, not here.
func (s *Server) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal broadcast", "error", err)
		return
	}

	s.mu.Lock()
	conns := make([]*connection, len(s.connections))
	copy(conns, s.connections)
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeText(data); err != nil {
			s.log.Error("failed to send message", "error", err)
		}
	}
}

func (s *Server) addConnection(c *connection) {
	s.mu.Lock()
	s.connections = append(s.connections, c)
	s.mu.Unlock()
}

func (s *Server) removeConnection(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.connections {
		if existing == c {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			return
		}
	}
}
