package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Assets are public; any origin may stream them
	},
}

var errClientGone = errors.New("websocket client gone")

// handleWebSocket streams every chunk of a file as binary messages, then
// closes the connection normally. Route errors are reported before the
// upgrade as plain HTTP errors.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("kind") + "/" + r.PathValue("id")

	var conn *websocket.Conn
	err := s.streamer.All(path, func(body []byte) error {
		if conn == nil {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				// Upgrade has already written an HTTP error.
				return errClientGone
			}
			conn = c
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
			return errClientGone
		}
		s.metrics.RecordServed(len(body))
		return nil
	})

	if conn == nil {
		if err != nil && !errors.Is(err, errClientGone) {
			writeError(w, err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("websocket stream aborted")
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
