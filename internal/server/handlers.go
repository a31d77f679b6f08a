package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pmahler/btcdash/internal/poller"
	"github.com/pmahler/btcdash/internal/protocol"
	"github.com/pmahler/btcdash/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Identity is resolved before the handshake by the out-of-scope auth
	// layer; the subsystem itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"registry": s.hub.GetStats(),
		"pollers": map[string]poller.Stats{
			"market":    s.pollers.Market.GetStats(),
			"account":   s.pollers.Account.GetStats(),
			"positions": s.pollers.Positions.GetStats(),
		},
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	// Identity is attached at handshake time and never mutated. Without it
	// the connection is anonymous and gets market data only.
	userID := c.QueryParam("userId")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	id := fmt.Sprintf("%s-%d", uuid.NewString(), s.clock.Now().UnixMilli())
	metadata := map[string]string{
		"remoteAddr": c.Request().RemoteAddr,
		"userAgent":  c.Request().UserAgent(),
	}

	if err := s.hub.Add(id, conn, userID, metadata); err != nil {
		slog.Error("Failed to register connection", "conn_id", id, "error", err)
		_ = conn.Close()
		return nil
	}

	s.hub.Send(id, protocol.ConnectionEstablished(id, userID, s.clock.Now()))

	// Read pump (blocks until disconnect)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.hub.HandleInbound(id, raw)
	}

	s.hub.Close(id)
	return nil
}
