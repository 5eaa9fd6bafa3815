package http

// registerV1Routes sets up /api/v1. Reads and device management share the
// bearer token when one is configured.
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())
	if s.cfg.BearerToken != "" {
		v1.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}

	v1.GET("/schedule", s.handleV1Schedule)

	devices := v1.Group("/devices")
	{
		devices.GET("", s.handleV1ListDevices)
		devices.GET("/:id", s.handleV1GetDevice)
		devices.POST("", s.handleV1AddDevice)
		devices.DELETE("/:id", s.handleV1RemoveDevice)
		devices.POST("/:id/refresh", s.handleV1RefreshDevice)
	}

	realtime := v1.Group("/realtime")
	{
		realtime.GET("/now", s.handleV1RealtimeNow)
	}
}
