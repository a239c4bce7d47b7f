package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventStateChanged = "state-change"
	streamEventHeartbeat    = "heartbeat"
	streamSource            = "wavetrace-backend"
)

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleStream relays a document's state changes as server-sent events until the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if _, err := h.documents.Get(c.Request.Context(), documentID); err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.documents.Notifier().Subscribe(ctx, documentID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("state stream opened", zap.String("document_id", documentID.String()))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(streamEventStateChanged, change)
			return true
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, heartbeatPayload{Source: streamSource, Timestamp: now.UTC()})
			return true
		}
	})
	h.logger.Debug("state stream closed", zap.String("document_id", documentID.String()))
}
