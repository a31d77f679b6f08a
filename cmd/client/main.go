// Command client is a terminal dashboard client: it connects to the
// server's /ws endpoint, subscribes to the requested topics, and prints
// every inbound frame. Useful for poking at a running instance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pmahler/btcdash/internal/logging"
	"github.com/pmahler/btcdash/internal/wsclient"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	userID := flag.String("user", "", "user id to attach at handshake time")
	topics := flag.String("topics", "market", "comma-separated: market,user,positions")
	heartbeat := flag.Duration("heartbeat", 20*time.Second, "client heartbeat interval")
	flag.Parse()

	logging.InitLogger("info", "text")

	target := *url
	if *userID != "" {
		target += "?userId=" + *userID
	}

	client := wsclient.New(wsclient.DefaultConfig(target), clockwork.NewRealClock())
	client.OnMessage = func(raw []byte) {
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("Undecodable frame", "error", err)
			return
		}
		fmt.Printf("[%s] %s\n", frame["type"], raw)
	}
	client.OnError = func(err error) {
		slog.Error("Connection lost for good", "error", err)
		os.Exit(1)
	}

	if err := client.Connect(context.Background()); err != nil {
		slog.Error("Failed to connect", "url", target, "error", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()
	slog.Info("Connected", "url", target)

	for _, topic := range strings.Split(*topics, ",") {
		var frame string
		switch strings.TrimSpace(topic) {
		case "market":
			frame = `{"type":"subscribe_market"}`
		case "user":
			frame = `{"type":"subscribe_user"}`
		case "positions":
			frame = `{"type":"subscribe_positions"}`
		default:
			slog.Warn("Unknown topic", "topic", topic)
			continue
		}
		if err := client.Send([]byte(frame)); err != nil {
			slog.Error("Subscribe failed", "topic", topic, "error", err)
		}
	}

	// Application-level heartbeat keeps the server's liveness tracking
	// happy even when all topics are quiet.
	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := client.Send([]byte(`{"type":"heartbeat"}`)); err != nil {
				slog.Warn("Heartbeat failed", "error", err)
			}
		case <-sigChan:
			slog.Info("Bye")
			return
		}
	}
}
