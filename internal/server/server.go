// Package server implements the HTTP server using Echo framework.
//
// Routes: /ws (WebSocket handshake + read pump), /status (registry and
// poller stats), /health/live, /metrics (Prometheus).
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pmahler/btcdash/internal/config"
	"github.com/pmahler/btcdash/internal/hub"
	"github.com/pmahler/btcdash/internal/poller"
)

// Pollers groups the three topic pollers for the status endpoint.
type Pollers struct {
	Market    *poller.Poller
	Account   *poller.Poller
	Positions *poller.Poller
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       *hub.Hub
	pollers   Pollers
	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(cfg *config.Config, h *hub.Hub, pollers Pollers, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		hub:       h,
		pollers:   pollers,
		clock:     clock,
		startTime: clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
