package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/config"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/coordinator"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/db"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

const apiVersion = "v1"

// Manager is the device-management surface the API serves.
type Manager interface {
	Devices() []coordinator.Status
	Device(id string) (coordinator.Status, bool)
	Pending() []models.PendingDevice
	Schedule() coordinator.Schedule
	AddDevice(ctx context.Context, dev models.DeviceConfig) (string, error)
	RemoveDevice(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (coordinator.Status, error)
}

// StateReader serves the state persisted by the Postgres sink.
type StateReader interface {
	LatestStates(ctx context.Context) ([]db.StateRow, error)
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg     config.Config
	manager Manager
	states  StateReader
	engine  *gin.Engine
}

// New constructs a server with routes and middleware. states may be nil when
// no database is configured.
func New(cfg config.Config, manager Manager, states StateReader) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware())

	server := &Server{cfg: cfg, manager: manager, states: states, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		sched := s.manager.Schedule()
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"active_instances": sched.ActiveInstances,
			"pending":          len(s.manager.Pending()),
		})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.registerV1Routes()
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func apiVersionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-API-Version", apiVersion)
		c.Next()
	}
}
