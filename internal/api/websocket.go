package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams intent and run lifecycle events to a client.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.S().Warnw("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := []events.Event{
		events.EventIntentExecuted,
		events.EventIntentSkipped,
		events.EventIntentFailed,
		events.EventRunStateChange,
		events.EventBacktestFinished,
	}

	merged := make(chan any, 100)
	done := make(chan struct{})
	defer close(done)
	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(src <-chan any) {
			for msg := range src {
				select {
				case merged <- msg:
				case <-done:
					return
				}
			}
		}(stream)
	}

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			logger.S().Debugw("ws write failed", "error", err)
			return
		}
	}
}
