package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/auth"
)

// SSEHandler streams the caller's worker events over Server-Sent Events.
// The connection joins a room keyed by the authenticated user; a
// correlation_id query parameter additionally claims per-request events.
func (h *Hub) SSEHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		evts, leave := h.Join(userID, c.Query("correlation_id"))
		defer leave()

		clientGone := c.Request.Context().Done()
		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		c.Writer.Flush()
		for {
			select {
			case <-clientGone:
				return
			case <-heartbeat.C:
				fmt.Fprint(c.Writer, ": ping\n\n")
				c.Writer.Flush()
			case evt, ok := <-evts:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
				fmt.Fprintf(c.Writer, "data: %s\n\n", data)
				c.Writer.Flush()
			}
		}
	}
}
