package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"airwave/internal/eventbus"
	logx "airwave/pkg/logx"
)

const (
	eventBuffer  = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origins are already restricted by the CORS config; the stream
	// is read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams bus events as JSON text frames. ?station=<name> filters
// to one station.
func (h *handlers) events(c *gin.Context) {
	if h.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	filter := c.Query("station")
	sub, unsubscribe := h.deps.Bus.Subscribe(eventBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go readPump(conn, closed)
	h.writePump(c, conn, sub, filter, closed)
}

// readPump discards client frames and signals when the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
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
}

func (h *handlers) writePump(c *gin.Context, conn *websocket.Conn, sub <-chan eventbus.Event, filter string, closed <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if filter != "" && ev.Station != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("event stream write failed", logx.Err(err))
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
