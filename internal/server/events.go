package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events streams snapshots and notices for one session until the client
// goes away or the session is removed.
func (s *Server) events(w http.ResponseWriter, r *http.Request, e *entry) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Notices first: once the client sees its first snapshot it is
	// registered for both streams.
	notices := e.listen()
	defer e.unlisten(notices)
	sub := e.sess.Subscribe()
	defer e.sess.Unsubscribe(sub)

	e.log.Debug("events client connected")
	defer e.log.Debug("events client disconnected")

	// The read side only services control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var msg Message
		select {
		case <-gone:
			return
		case snap, ok := <-sub.C:
			if !ok {
				closeConn(conn)
				return
			}
			v := e.viewOf(snap)
			msg = Message{Type: MessageSnapshot, Session: &v}
		case n, ok := <-notices:
			if !ok {
				closeConn(conn)
				return
			}
			msg = n
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(writeWait))
}
