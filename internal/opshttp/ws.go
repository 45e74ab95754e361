package opshttp

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avhub/avhub/internal/bus"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }} //nolint:gochecknoglobals // websocket upgrader

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Log the error but don't use http.Error as it conflicts with the upgrade
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("websocket upgrade failed")

		return
	}

	// Send initial snapshot before joining the broadcast set, so the
	// snapshot writes cannot interleave with a broadcast.
	s.sendJSON(conn, map[string]any{"type": "devices", "data": s.allDevices()})
	s.sendJSON(conn, map[string]any{"type": "stats", "data": s.collectStats()})
	s.sendJSON(conn, map[string]any{"type": "overview", "data": s.overview()})

	s.wsMu.Lock()
	s.conns[conn] = struct{}{}
	s.wsMu.Unlock()

	// Configure connection
	conn.SetReadLimit(defaultWebSocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))

		return nil
	})

	// Start ping ticker
	go func(c *websocket.Conn) {
		ticker := time.NewTicker(defaultWebSocketPingInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWebSocketPingTimeout)); err != nil {
				break
			}
		}
	}(conn)

	// Handle incoming messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// Cleanup
	s.wsMu.Lock()
	delete(s.conns, conn)
	s.wsMu.Unlock()

	_ = conn.Close()
}

func (s *Server) sendJSON(c *websocket.Conn, v any) { _ = c.WriteJSON(v) }

func (s *Server) broadcast(v any) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for c := range s.conns {
		_ = c.WriteJSON(v)
	}
}

// relayEvents mirrors every bus event into connected sockets.
func (s *Server) relayEvents() error {
	_, err := s.b.Subscribe("event/#", func(_ context.Context, msg bus.Message) error {
		s.broadcast(map[string]any{"type": "event", "topic": msg.Topic, "data": msg.Payload})

		return nil
	})

	return err
}