package gateway

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection tuning for the gorilla/websocket read/write-deadline shape.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendQueueDepth = 64
)

// Session is one live bidirectional client connection: created on upgrade,
// destroyed on close or replacement by reconnection with the same stable
// player id.
type Session struct {
	server *Server

	// ConnID distinguishes two sessions that briefly share a PlayerID
	// across a replaced-by-reconnect handoff, so log lines from the old
	// and new connection never get attributed to the same session.
	ConnID      string
	PlayerID    string
	Role        string
	DisplayName string
	WalletID    string

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newSession(server *Server, conn *websocket.Conn, playerID, role, displayName, walletID string) *Session {
	return &Session{
		server:      server,
		conn:        conn,
		ConnID:      uuid.NewString(),
		PlayerID:    playerID,
		Role:        role,
		DisplayName: displayName,
		WalletID:    walletID,
		send:        make(chan []byte, sendQueueDepth),
	}
}

// enqueue pushes a pre-marshaled frame to the write pump. Never blocks:
// when a slow/stuck session's send queue is full the frame is dropped
// (the session stays open) rather than stalling the broadcasting tick task.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.server.log.Warn().Str("playerId", s.PlayerID).Msg("gateway: session send queue full, dropping frame")
	}
}

func (s *Session) sendJSON(v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.server.log.Warn().Err(err).Str("playerId", s.PlayerID).Str("connId", s.ConnID).Msg("gateway: failed to marshal outbound frame")
		return
	}
	s.enqueue(body)
}

// close is idempotent; safe to call from both pumps and from the replaced-
// by-reconnect path.
func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.conn.Close()
}

// readPump owns the only goroutine that calls conn.ReadMessage; inbound
// frames are dispatched serially, preserving per-session receive order.
func (s *Session) readPump() {
	defer func() {
		s.server.removeSession(s)
		s.close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(raw, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var env inboundEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				s.server.log.Warn().Err(err).Str("playerId", s.PlayerID).Msg("gateway: dropping unparsable frame")
				continue
			}
			s.server.dispatch(s, env)
		}
	}
}

// writePump is the only goroutine that calls conn.WriteMessage, per
// gorilla/websocket's single-writer requirement.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
