package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/version", s.handleVersion)

	// Real-time endpoint
	s.echo.GET("/ws", s.handleWebSocket)
}
