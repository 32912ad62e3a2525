// Package realtime serves an optional local mirror of the host's state:
// REST snapshots of sessions and previews and a websocket feed of their
// changes. Clients may ask to detach a session or dismiss a preview.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"regexrailroad/internal/logging"
	"regexrailroad/internal/preview"
	"regexrailroad/internal/protocol"
	"regexrailroad/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The mirror only listens on loopback.
	},
}

// Sessions is the session registry as seen by the mirror.
type Sessions interface {
	List() []session.Info
	Detach(key string) bool
}

// Previews is the preview manager as seen by the mirror.
type Previews interface {
	List() []preview.WindowInfo
	CloseID(ctx context.Context, id string) (bool, error)
}

// Server manages websocket clients and routes host events to them.
type Server struct {
	sessions Sessions
	previews Previews
	logger   *logging.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// New creates a mirror server.
func New(sessions Sessions, previews Previews, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		sessions: sessions,
		previews: previews,
		logger:   logger,
		clients:  make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{key}", s.handleDetachSession)
	mux.HandleFunc("GET /windows", s.handleListWindows)
	mux.HandleFunc("DELETE /windows/{id}", s.handleDismissWindow)

	return corsMiddleware(mux)
}

// ListenAndServe serves the mirror on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("preview mirror listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Catch the new client up before live updates.
	s.sendSnapshot(c)

	go c.writePump()
	go c.readPump()
}

func (s *Server) sendSnapshot(c *client) {
	for _, info := range s.sessions.List() {
		if msg, err := protocol.NewMirrorMessage(protocol.TypeSessionUpdate, sessionPayload(info)); err == nil {
			c.enqueue(msg)
		}
	}
	for _, info := range s.previews.List() {
		if msg, err := protocol.NewMirrorMessage(protocol.TypePreviewOpen, previewPayload(info)); err == nil {
			c.enqueue(msg)
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the message when the client's buffer is full or the
// client is gone.
func (c *client) enqueue(msg *protocol.MirrorMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.close()
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.CodeInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionDetach:
		var payload protocol.SessionDetachPayload
		json.Unmarshal(msg.Payload, &payload)
		if !s.sessions.Detach(payload.Key) {
			s.sendError(c, protocol.CodeSessionNotFound, "no session for "+payload.Key)
		}

	case protocol.TypePreviewDismiss:
		var payload protocol.PreviewDismissPayload
		json.Unmarshal(msg.Payload, &payload)
		ok, err := s.previews.CloseID(context.Background(), payload.WindowID)
		if !ok {
			s.sendError(c, protocol.CodeWindowNotFound, "no preview "+payload.WindowID)
		} else if err != nil {
			s.logger.Warn("dismiss from mirror failed", "window_id", payload.WindowID, "error", err)
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msgType string, payload any) {
	msg, err := protocol.NewMirrorMessage(msgType, payload)
	if err != nil {
		s.logger.Warn("failed to build mirror message", "type", msgType, "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(msg)
	}
}

// OnSessionChange broadcasts a session transition. Wire it to the
// registry's state hook.
func (s *Server) OnSessionChange(info session.Info) {
	s.broadcast(protocol.TypeSessionUpdate, sessionPayload(info))
}

// OnPreviewOpen broadcasts a new preview.
func (s *Server) OnPreviewOpen(info preview.WindowInfo) {
	s.broadcast(protocol.TypePreviewOpen, previewPayload(info))
}

// OnPreviewClose broadcasts a preview teardown.
func (s *Server) OnPreviewClose(info preview.WindowInfo) {
	s.broadcast(protocol.TypePreviewClose, protocol.PreviewClosePayload{
		WindowID: info.ID,
		Anchor:   info.Anchor,
	})
}

func sessionPayload(info session.Info) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        info.ID,
		Key:       info.Key,
		State:     info.State.String(),
		Reason:    info.Reason,
		PID:       info.PID,
		StartedAt: info.StartedAt.Format(time.RFC3339Nano),
	}
}

func previewPayload(info preview.WindowInfo) protocol.PreviewOpenPayload {
	return protocol.PreviewOpenPayload{
		WindowID: info.ID,
		Anchor:   info.Anchor,
		Geometry: protocol.Geometry{
			Row:    info.Geometry.Row,
			Col:    info.Geometry.Col,
			Width:  info.Geometry.Width,
			Height: info.Geometry.Height,
		},
		Lines: info.Lines,
	}
}
