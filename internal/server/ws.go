package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/towdyouso/internal/orchestrator"
	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 25 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 256
)

// errConnClosed is returned by Send once the connection has gone away.
var errConnClosed = errors.New("connection closed")

// inboundMessage starts a turn.
type inboundMessage struct {
	Content string `json:"content"`
	FileID  string `json:"file_id,omitempty"`
}

// wsConn is the live connection of one session. It is the session's sink:
// Send queues events for the write loop and never blocks the caller.
type wsConn struct {
	conn      *websocket.Conn
	sessionID types.SessionID
	send      chan []byte

	mu     sync.Mutex
	closed bool
}

var _ runtime.Sink = (*wsConn)(nil)

func (c *wsConn) Send(ev types.LiveEvent) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn, sessionID: sessionID, send: make(chan []byte, wsSendBuffer)}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	if err := s.turns.Attach(s.turnCtx, sessionID, c); err != nil {
		slog.Error("attach session failed", "session_id", string(sessionID), "error", err)
		c.close()
		<-writerDone
		conn.Close()
		return
	}
	slog.Info("live connection opened", "session_id", string(sessionID), "remote", r.RemoteAddr)

	s.readLoop(c)

	s.turns.Detach(sessionID)
	c.close()
	<-writerDone
	conn.Close()
	slog.Info("live connection closed", "session_id", string(sessionID))
}

func (s *Server) readLoop(c *wsConn) {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid inbound message", "session_id", string(c.sessionID), "error", err)
			continue
		}
		if msg.Content == "" && msg.FileID == "" {
			continue
		}

		go s.startTurn(c.sessionID, msg)
	}
}

func (s *Server) startTurn(sessionID types.SessionID, msg inboundMessage) {
	err := s.turns.StartTurn(s.turnCtx, sessionID, msg.Content, types.FileID(msg.FileID))
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		slog.Warn("message ignored, turn in progress", "session_id", string(sessionID))
	default:
		slog.Debug("turn ended with error", "session_id", string(sessionID), "error", err)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
