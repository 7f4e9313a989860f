package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/boardcache"
)

const (
	wsPingInterval = 30 * time.Second
	wsConnLifetime = 1 * time.Hour
)

// handleWS serves GET /ws?board_key=&thread_number=: the per-thread update
// stream, implementing §4.10's fan-out contract over the shared per-thread
// fanout.Hub subscription. Every inbound post event is forwarded as an
// opaque UTF-8 text frame; the client is expected to refetch the dat on
// receipt, not parse the payload.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	boardKey := r.URL.Query().Get("board_key")
	if !boardcache.ValidateBoardKey(boardKey) {
		http.Error(w, "invalid board_key", http.StatusBadRequest)
		return
	}
	threadNumber, err := strconv.ParseInt(r.URL.Query().Get("thread_number"), 10, 64)
	if err != nil {
		http.Error(w, "invalid thread_number", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		bbslog.For("web").WithField("error", err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close() //nolint:errcheck

	msgs, unsubscribe, err := s.hub.Subscribe(r.Context(), boardKey, threadNumber)
	if err != nil {
		bbslog.For("web").WithField("error", err).Error("thread subscribe failed")
		return
	}
	defer unsubscribe()

	s.runWSLoop(conn, msgs)
}

// runWSLoop drives one WebSocket connection: forwards every fan-out
// message as a text frame, pings on idle, and closes after wsConnLifetime
// or a missed pong.
func (s *Server) runWSLoop(conn *websocket.Conn, msgs <-chan []byte) {
	deadline := time.Now().Add(wsConnLifetime)
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval))
	})

	// Drain and discard inbound client frames (the protocol is
	// server-push-only) so pong control frames are processed.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
