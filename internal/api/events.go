package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/kaizen/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	eventBuffer    = 64
	defaultReplay  = 20
	maxReplay      = events.DefaultHistory
	readLimitBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// messages. Recent history is replayed first (?history=N, 0 disables).
// The connection is read only to notice the peer going away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	replay := defaultReplay
	if r.URL.Query().Has("history") {
		replay = min(queryInt(r, "history", 0), maxReplay)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event feed connected", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(readLimitBytes)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(ev events.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("event feed write failed", "error", err)
			return false
		}
		return true
	}

	if replay > 0 {
		for _, ev := range s.bus.Recent(replay) {
			if !send(ev) {
				return
			}
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event feed disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
