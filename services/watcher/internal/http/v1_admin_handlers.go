package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/config"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/coordinator"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/nettiego"
)

// handleV1AddDevice validates, probes and sets up a new device.
// POST /api/v1/devices
func (s *Server) handleV1AddDevice(c *gin.Context) {
	var dev models.DeviceConfig
	if err := c.ShouldBindJSON(&dev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	id, err := s.manager.AddDevice(ctx, dev)
	switch {
	case err == nil:
	case errors.Is(err, config.ErrInvalidDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, coordinator.ErrDuplicateName):
		c.JSON(http.StatusConflict, gin.H{"error": "name_exists"})
		return
	case errors.Is(err, nettiego.ErrCannotConnect):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot_connect"})
		return
	case errors.Is(err, coordinator.ErrNotReady):
		c.JSON(http.StatusAccepted, gin.H{
			"data": gin.H{"instanceId": id, "status": "pending", "error": err.Error()},
		})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	st, ok := s.manager.Device(id)
	if !ok {
		c.JSON(http.StatusCreated, gin.H{"data": gin.H{"instanceId": id}})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": newDeviceView(st)})
}

// handleV1RemoveDevice removes a registered or pending device.
// DELETE /api/v1/devices/:id
func (s *Server) handleV1RemoveDevice(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	if err := s.manager.RemoveDevice(ctx, c.Param("id")); err != nil {
		if errors.Is(err, coordinator.ErrUnknownInstance) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleV1RefreshDevice forces a cycle outside the schedule.
// POST /api/v1/devices/:id/refresh
func (s *Server) handleV1RefreshDevice(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	st, err := s.manager.Refresh(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownInstance) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error": err.Error(),
			"data":  newDeviceView(st),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newDeviceView(st)})
}
