package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleV1ListDevices returns every registered device and the ones still
// waiting for their first successful fetch.
// GET /api/v1/devices
func (s *Server) handleV1ListDevices(c *gin.Context) {
	statuses := s.manager.Devices()
	views := make([]deviceView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, newDeviceView(st))
	}
	pending := s.manager.Pending()

	c.JSON(http.StatusOK, gin.H{
		"data":    views,
		"pending": pending,
		"meta": gin.H{
			"count":         len(views),
			"pending_count": len(pending),
		},
	})
}

// handleV1GetDevice returns one device.
// GET /api/v1/devices/:id
func (s *Server) handleV1GetDevice(c *gin.Context) {
	id := c.Param("id")
	st, ok := s.manager.Device(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": newDeviceView(st),
	})
}

// handleV1Schedule reports how the daily request budget is spread.
// GET /api/v1/schedule
func (s *Server) handleV1Schedule(c *gin.Context) {
	sched := s.manager.Schedule()
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"interval":         sched.Interval.String(),
			"interval_seconds": sched.Interval.Seconds(),
			"active_instances": sched.ActiveInstances,
			"daily_budget":     sched.DailyBudget,
		},
		"meta": gin.H{
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
