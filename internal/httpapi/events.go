package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stuartshay/path-worker/internal/state"
)

const heartbeatInterval = 15 * time.Second

// sessionEvents streams cache updates as server-sent events until the client
// disconnects. Each stream starts with the current value of every cache.
func (h *handlers) sessionEvents(c *gin.Context) {
	caches := h.Session.Caches()

	raw, cancelRaw := caches.RawLocation.Subscribe()
	defer cancelRaw()
	normalized, cancelNormalized := caches.NormalizedLocation.Subscribe()
	defer cancelNormalized()
	distance, cancelDistance := caches.ProcessedDistance.Subscribe()
	defer cancelDistance()
	elapsed, cancelElapsed := caches.Elapsed.Subscribe()
	defer cancelElapsed()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-raw:
			if !ok {
				return
			}
			c.SSEvent("raw_location", v)
		case v, ok := <-normalized:
			if !ok {
				return
			}
			c.SSEvent("normalized_location", v)
		case v, ok := <-distance:
			if !ok {
				return
			}
			c.SSEvent("processed_distance", v)
		case v, ok := <-elapsed:
			if !ok {
				return
			}
			var d time.Duration
			if v != nil {
				d = *v
			}
			c.SSEvent("elapsed", state.FormatElapsed(d))
		case <-heartbeat.C:
			c.SSEvent("heartbeat", h.Session.State())
		}
		c.Writer.Flush()
	}
}
