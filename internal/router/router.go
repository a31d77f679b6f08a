// Package router wires poller events to registry broadcasts and routes
// inbound subscription intents to the right topic poller.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/pmahler/btcdash/internal/hub"
	"github.com/pmahler/btcdash/internal/poller"
	"github.com/pmahler/btcdash/internal/protocol"
)

// Registry is the hub surface the router needs.
type Registry interface {
	Send(id string, frame []byte) bool
	Broadcast(frame []byte, opts hub.BroadcastOpts) int
	BroadcastToUser(userID string, frame []byte) int
	Events() <-chan hub.Event
}

// TopicPoller is the poller surface the router needs.
type TopicPoller interface {
	Subscribe(key, connID string)
	UnsubscribeConn(connID string)
	Cached(key string) (json.RawMessage, bool)
	Events() <-chan poller.Event
}

// Router fans poller updates out through the registry and demultiplexes
// subscribe intents. Market updates go to every connection subscribed to
// the market topic; account and position updates go to the one user the
// key names.
type Router struct {
	registry     Registry
	market       TopicPoller
	account      TopicPoller
	positions    TopicPoller
	marketSymbol string
	clock        clockwork.Clock
	wg           sync.WaitGroup
}

// New creates a router and starts its event-consuming goroutines.
// The hub's intent handler must be pointed at the returned router.
func New(registry Registry, market, account, positions TopicPoller, marketSymbol string, clock clockwork.Clock) *Router {
	r := &Router{
		registry:     registry,
		market:       market,
		account:      account,
		positions:    positions,
		marketSymbol: marketSymbol,
		clock:        clock,
	}

	r.wg.Add(4)
	go r.consumeRegistryEvents()
	go r.consumePollerEvents(r.market, protocol.TopicMarketData, false)
	go r.consumePollerEvents(r.account, protocol.TopicUserData, true)
	go r.consumePollerEvents(r.positions, protocol.TopicPositionUpdates, true)
	return r
}

// Wait blocks until every event source has been closed and drained.
func (r *Router) Wait() {
	r.wg.Wait()
}

// HandleIntent implements hub.IntentHandler. Runs off the hub actor
// goroutine, so calling back into the registry is safe.
func (r *Router) HandleIntent(connID, userID string, msg protocol.Inbound) {
	switch msg.Kind {
	case protocol.KindSubscribeMarket:
		symbol := r.marketSymbol
		var p protocol.SubscribeMarketPayload
		if err := json.Unmarshal(msg.Data, &p); err == nil && p.Symbol != "" {
			symbol = p.Symbol
		}
		r.subscribe(r.market, protocol.TopicMarketData, symbol, connID)

	case protocol.KindSubscribeUser:
		if userID == "" {
			r.registry.Send(connID, protocol.Error("subscribe_user requires an authenticated connection", r.clock.Now()))
			return
		}
		r.subscribe(r.account, protocol.TopicUserData, userID, connID)

	case protocol.KindSubscribePositions:
		if userID == "" {
			r.registry.Send(connID, protocol.Error("subscribe_positions requires an authenticated connection", r.clock.Now()))
			return
		}
		r.subscribe(r.positions, protocol.TopicPositionUpdates, userID, connID)

	default:
		slog.Debug("Router ignoring intent", "conn_id", connID, "type", msg.Type)
	}
}

// subscribe registers interest and immediately pushes the cached payload
// when a fresh one exists; the poller itself only pushes on fetch.
func (r *Router) subscribe(p TopicPoller, topic, key, connID string) {
	p.Subscribe(key, connID)
	if payload, ok := p.Cached(key); ok {
		r.registry.Send(connID, protocol.Data(topic, payload, r.clock.Now()))
	}
}

func (r *Router) consumeRegistryEvents() {
	defer r.wg.Done()

	for ev := range r.registry.Events() {
		switch e := ev.(type) {
		case hub.Connected:
			slog.Debug("Router observed connection", "conn_id", e.ConnID, "user_id", e.UserID)
		case hub.Disconnected:
			// Drop every subscription-set entry the connection held.
			r.market.UnsubscribeConn(e.ConnID)
			r.account.UnsubscribeConn(e.ConnID)
			r.positions.UnsubscribeConn(e.ConnID)
		}
	}
}

// consumePollerEvents pushes one poller's updates out. perUser topics are
// keyed by user id and target exactly that user's connections; the market
// topic fans out to every subscribed connection.
func (r *Router) consumePollerEvents(p TopicPoller, topic string, perUser bool) {
	defer r.wg.Done()

	for ev := range p.Events() {
		switch e := ev.(type) {
		case poller.Update:
			frame := protocol.Data(topic, e.Payload, r.clock.Now())
			if perUser {
				r.registry.BroadcastToUser(e.Key, frame)
			} else {
				r.registry.Broadcast(frame, hub.BroadcastOpts{Topic: topic})
			}
		case poller.Failure:
			frame := protocol.Error(topic+" update failed", r.clock.Now())
			if perUser {
				r.registry.BroadcastToUser(e.Key, frame)
			} else {
				r.registry.Broadcast(frame, hub.BroadcastOpts{Topic: topic})
			}
		}
	}
}
