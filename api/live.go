package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleLive upgrades to a websocket and writes every appended event as a
// JSON text message. Anything the client sends is discarded.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.liveMtx.Lock()
	select {
	case <-s.shutdown:
		s.liveMtx.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	default:
	}
	s.wg.Add(1)
	s.liveMtx.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}
	sub, err := s.index.Subscribe()
	if err != nil {
		conn.Close()
		log.Errorf("Error subscribing to events: %s", err)
		return
	}

	defer conn.Close()
	defer sub.Close()

	// Reads keep control frames flowing and notice the client going away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debugf("Live feed to %s closed: %s", r.RemoteAddr, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.shutdown:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
