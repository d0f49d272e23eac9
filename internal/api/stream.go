package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"formation_tracker/internal/events"
	"formation_tracker/internal/target"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds frames read from the peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and relays change events. The
// targets query parameter narrows TARGET_UPDATE delivery; formation
// events always flow. The snapshot ships before any queued deltas, so
// a client that applies events in order never sees a gap.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var targets []string
	if q := r.URL.Query().Get("targets"); q != "" {
		for _, id := range strings.Split(q, ",") {
			if id = strings.TrimSpace(id); id != "" {
				targets = append(targets, id)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe before snapshotting: anything that lands in between is
	// queued and re-applied over the snapshot by version.
	sub := s.notifier.Subscribe(targets)

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(events.InitialState(s.snapshotFor(targets), time.Now().UTC())); err != nil {
		sub.Close()
		_ = conn.Close()
		return
	}

	s.log.Debug("stream attached", "remote", conn.RemoteAddr().String(), "targets", len(targets))

	go s.readPump(conn, sub)
	s.writePump(conn, sub)
}

func (s *Server) snapshotFor(targets []string) []target.State {
	if len(targets) == 0 {
		return s.store.ListActive()
	}
	states := make([]target.State, 0, len(targets))
	for _, id := range targets {
		if st, ok := s.store.Get(id); ok {
			states = append(states, st)
		}
	}
	return states
}

// writePump relays subscription events to the peer and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
		if n := sub.Dropped(); n > 0 {
			s.log.Warn("stream detached with dropped events",
				"remote", conn.RemoteAddr().String(), "dropped", n)
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The subscription closed under us.
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is pong handling and
// noticing the peer went away.
func (s *Server) readPump(conn *websocket.Conn, sub *events.Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read ended", "error", err)
			}
			return
		}
	}
}
