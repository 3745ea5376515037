package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/toolrun/internal/observe"
)

const (
	// streamBuffer is the per-connection event backlog. A slower client
	// misses events rather than stalling the pipeline.
	streamBuffer = 256

	// streamWriteTimeout bounds a single websocket write.
	streamWriteTimeout = 5 * time.Second
)

// handleEventStream upgrades to a websocket and forwards every recorded
// analytics event as one JSON text message, optionally filtered by ?tool=.
// The stream ends when the client closes the connection or the pipeline
// shuts down.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsAvailable(w) {
		return
	}
	filter := r.URL.Query().Get("tool")

	// Subscribe before the handshake completes so that no event recorded
	// after the client sees the upgrade is missed.
	events, unsubscribe := s.pipeline.Subscribe(streamBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("event stream: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx).With("filter", filter)
	log.Debug("event stream: client connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream: client disconnected")
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "analytics pipeline closed")
				return
			}
			if filter != "" && e.ToolName != filter {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error("event stream: marshal event", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("event stream: write failed", "err", err)
				return
			}
		}
	}
}
