package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventHeartbeat     = "heartbeat"
	streamSubscriberBuffer   = 16
	defaultHeartbeatInterval = 15 * time.Second
)

// handleStream relays store notifications as server-sent events until the
// client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	notifications, cleanup := h.store.Subscribe(ctx, streamSubscriberBuffer)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
	c.Writer.Flush()

	h.logger.Debug("stream subscriber connected", zap.String("subject", c.GetString(subjectContextKey)))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-notifications:
			if !ok {
				return false
			}
			c.SSEvent(notification.Type, notification.Events)
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC().Unix()})
			return true
		}
	})
}
