package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/pmahler/btcdash/internal/config"
	"github.com/pmahler/btcdash/internal/hub"
	"github.com/pmahler/btcdash/internal/logging"
	"github.com/pmahler/btcdash/internal/poller"
	"github.com/pmahler/btcdash/internal/protocol"
	"github.com/pmahler/btcdash/internal/ratelimit"
	"github.com/pmahler/btcdash/internal/router"
	"github.com/pmahler/btcdash/internal/server"
	"github.com/pmahler/btcdash/internal/upstream"
)

func setupConfig() *config.Config {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub, r *router.Router, pollers server.Pollers) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Stop event sources before their consumer, then drain the router.
		pollers.Market.Stop()
		pollers.Account.Stop()
		pollers.Positions.Stop()
		h.Stop()
		r.Wait()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	exchange := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	pollers := server.Pollers{
		Market: poller.New(poller.Config{
			Topic:        protocol.TopicMarketData,
			Interval:     cfg.MarketPollInterval,
			TTL:          cfg.MarketTTL,
			FetchTimeout: cfg.UpstreamTimeout,
			FixedKeys:    []string{cfg.MarketSymbol},
		}, exchange.MarketData, clock),
		Account: poller.New(poller.Config{
			Topic:        protocol.TopicUserData,
			Interval:     cfg.AccountPollInterval,
			TTL:          cfg.AccountTTL,
			FetchTimeout: cfg.UpstreamTimeout,
		}, exchange.AccountSnapshot, clock),
		Positions: poller.New(poller.Config{
			Topic:        protocol.TopicPositionUpdates,
			Interval:     cfg.PositionPollInterval,
			TTL:          cfg.PositionTTL,
			FetchTimeout: cfg.UpstreamTimeout,
		}, exchange.Positions, clock),
	}

	limiter := ratelimit.New(cfg.MaxMessagesPerWindow, cfg.RateLimitWindow, clock)
	h := hub.New(limiter, cfg.HeartbeatInterval, cfg.PingTimeout, clock)

	rtr := router.New(h, pollers.Market, pollers.Account, pollers.Positions, cfg.MarketSymbol, clock)
	h.SetIntentHandler(rtr)

	srv := server.NewServer(cfg, h, pollers, clock)

	done := runGracefulShutdown(srv, h, rtr, pollers)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
