package api

import (
	"bufio"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gin-gonic/gin"
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
	CheckOrigin: func(r *http.Request) bool {
		// Preview logs carry no credentials; same-origin enforcement
		// happens at the gateway.
		return true
	},
}

// StreamLogs streams the preview container's output over a WebSocket.
// GET /api/v1/workspaces/:sessionId/preview/logs
func (h *Handler) StreamLogs(c *gin.Context) {
	sessionID := c.Param("sessionId")
	tail := c.DefaultQuery("tail", "100")

	reader, err := h.orch.PreviewLogs(c.Request.Context(), sessionID, true, tail)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		reader.Close()
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	go h.readPump(conn, reader)
	h.writePump(conn, sessionID, reader)
}

// readPump drains client frames so pong handlers fire; the stream is
// one-directional and any client payload is ignored.
func (h *Handler) readPump(conn *websocket.Conn, closer io.Closer) {
	defer func() {
		closer.Close()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// demuxLogs strips Docker's stream multiplexing from a raw log stream.
// Each Docker frame carries an 8-byte header and may span several lines
// or split one, so the headers must be removed by frame, not by line.
// Stdout and stderr are merged into a single plain stream.
func demuxLogs(reader io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
	}()
	return pr
}

// writePump forwards container log lines to the client, interleaving pings.
func (h *Handler) writePump(conn *websocket.Conn, sessionID string, reader io.Reader) {
	lines := make(chan []byte, 64)
	done := make(chan struct{})

	demuxed := demuxLogs(reader)

	go func() {
		defer close(lines)
		defer demuxed.Close()
		scanner := bufio.NewScanner(demuxed)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			out := make([]byte, len(line))
			copy(out, line)
			select {
			case lines <- out:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
		conn.Close()
	}()

	for {
		select {
		case line, ok := <-lines:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				h.logger.Debug("log stream closed",
					zap.String("session_id", sessionID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
