package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader performs no Origin check: any client that can reach the
// listen address (loopback by default) can open the stream.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// EventStream handles GET /events/stream: a websocket feed of live
// coordinator events.
func (h *Handler) EventStream(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	ch, cancel := h.c.Hub.Subscribe()
	defer cancel()

	// Reader goroutine: drain client messages so pings are answered and
	// a close tears the subscription down.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return // dropped for falling behind
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
