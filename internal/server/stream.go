package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleEvents streams bus events as server-sent events. The event name is
// the event kind and the data is its JSON payload.
func (r *Router) handleEvents(c *gin.Context) {
	if r.bus == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event stream disabled", Code: "not_found"})
		return
	}
	ch, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Kind(), e)
			return true
		}
	})
}
