package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer = 64
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams bus events to a WebSocket client as JSON text
// frames. An optional ?source= filter limits the stream to one
// component. The stream ends when the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	source := r.URL.Query().Get("source")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "source", source)

	// Reads only detect the close; clients never send anything useful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if source != "" && ev.Source != source {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
