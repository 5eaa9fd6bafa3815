package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleV1RealtimeNow returns the latest state persisted per instance, which
// includes instances last seen by an earlier run of the watcher.
// GET /api/v1/realtime/now
func (s *Server) handleV1RealtimeNow(c *gin.Context) {
	if s.states == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state persistence is not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	states, err := s.states.LatestStates(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": states,
		"meta": gin.H{
			"count":        len(states),
			"attribution":  Attribution,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
