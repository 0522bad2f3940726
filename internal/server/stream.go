package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// handleEvents handles GET /experiments/:id/events as a server-sent event
// stream. The first event is the experiment summary; trial events follow.
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")

	summary, err := s.svc.GetExperiment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	events := s.svc.Events()
	ch := events.Subscribe(id)
	defer events.Unsubscribe(id, ch)

	c.SSEvent("summary", summary)
	c.Writer.Flush()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Event stream client disconnected", "experiment_id", id)
			return

		case event, ok := <-ch:
			if !ok {
				// experiment deleted
				return
			}
			c.SSEvent("trial", event)
			c.Writer.Flush()

		case <-pingTicker.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}
