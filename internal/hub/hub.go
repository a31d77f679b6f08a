package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pmahler/btcdash/internal/metrics"
	"github.com/pmahler/btcdash/internal/protocol"
	"github.com/pmahler/btcdash/internal/ratelimit"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	eventBufferLen = 256
)

// ErrDuplicateConn is returned when a connection id is already registered.
var ErrDuplicateConn = errors.New("connection id already registered")

// IntentHandler receives topic subscription intents the hub does not
// resolve itself (subscribe_market, subscribe_user, subscribe_positions).
type IntentHandler interface {
	HandleIntent(connID, userID string, msg protocol.Inbound)
}

// BroadcastOpts narrows the target set of a Broadcast call.
type BroadcastOpts struct {
	UserID  string   // only connections of this user
	Topic   string   // only connections subscribed to this topic
	Exclude []string // connection ids to skip
}

// Stats is a read-only snapshot of registry state.
type Stats struct {
	TotalConnections int      `json:"totalConnections"`
	TotalUsers       int      `json:"totalUsers"`
	ConnectionIDs    []string `json:"connections"`
	Users            []string `json:"users"`
}

// --- Command types ---

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type addCmd struct {
	baseHubCmd
	id           string
	socket       *websocket.Conn
	userID       string
	metadata     map[string]string
	errorChannel chan error
}

type removeCmd struct {
	baseHubCmd
	id          string
	closeSocket bool
}

type sendCmd struct {
	baseHubCmd
	id           string
	frame        []byte
	replyChannel chan bool
}

type broadcastCmd struct {
	baseHubCmd
	frame        []byte
	opts         BroadcastOpts
	replyChannel chan int
}

type inboundCmd struct {
	baseHubCmd
	id  string
	raw []byte
}

type touchCmd struct {
	baseHubCmd
	id string
}

type statsCmd struct {
	baseHubCmd
	replyChannel chan Stats
}

type setIntentsCmd struct {
	baseHubCmd
	intents IntentHandler
}

type stopCmd struct {
	baseHubCmd
}

// Hub is the connection registry actor. A single goroutine owns all
// connection state and runs the heartbeat scheduler.
type Hub struct {
	cmdCh             chan hubCmd
	clock             clockwork.Clock
	conns             map[string]*Connection
	userIndex         map[string]map[string]struct{}
	sockets           map[string]*websocket.Conn
	limiter           *ratelimit.Limiter
	intents           IntentHandler
	events            chan Event
	eventsClosed      bool
	heartbeatInterval time.Duration
	pingTimeout       time.Duration
	done              chan struct{}
}

// New creates and starts the registry actor.
// heartbeatInterval is the liveness scan period; pingTimeout is how long a
// connection may stay silent before the scan evicts it.
func New(limiter *ratelimit.Limiter, heartbeatInterval, pingTimeout time.Duration, clock clockwork.Clock) *Hub {
	h := &Hub{
		cmdCh:             make(chan hubCmd, 256),
		clock:             clock,
		conns:             make(map[string]*Connection),
		userIndex:         make(map[string]map[string]struct{}),
		sockets:           make(map[string]*websocket.Conn),
		limiter:           limiter,
		events:            make(chan Event, eventBufferLen),
		heartbeatInterval: heartbeatInterval,
		pingTimeout:       pingTimeout,
		done:              make(chan struct{}),
	}
	go h.run()
	return h
}

// SetIntentHandler wires the broadcast router in after construction.
func (h *Hub) SetIntentHandler(intents IntentHandler) {
	h.cmdCh <- setIntentsCmd{intents: intents}
}

// Events exposes the registry's lifecycle event stream. Closed on Stop.
func (h *Hub) Events() <-chan Event {
	return h.events
}

// Add registers an accepted socket under a caller-generated unique id.
// userID may be empty for anonymous connections.
func (h *Hub) Add(id string, socket *websocket.Conn, userID string, metadata map[string]string) error {
	errCh := make(chan error, 1)
	h.cmdCh <- addCmd{id: id, socket: socket, userID: userID, metadata: metadata, errorChannel: errCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("add command timed out after %v", commandTimeout)
	}
}

// Remove deregisters a connection without closing its socket. Idempotent.
func (h *Hub) Remove(id string) {
	h.cmdCh <- removeCmd{id: id}
}

// Close closes the socket, then deregisters the connection. Idempotent.
func (h *Hub) Close(id string) {
	h.cmdCh <- removeCmd{id: id, closeSocket: true}
}

// Send delivers one frame to one connection. Returns false when the
// connection does not exist or cannot accept writes; in the latter case
// the connection is removed as a side effect.
func (h *Hub) Send(id string, frame []byte) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- sendCmd{id: id, frame: frame, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case ok := <-replyCh:
		return ok
	case <-timer.Chan():
		slog.Warn("Send timed out", "conn_id", id, "timeout", commandTimeout)
		return false
	}
}

// Broadcast delivers a frame to every live connection matching opts and
// returns the number of successful sends.
func (h *Hub) Broadcast(frame []byte, opts BroadcastOpts) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- broadcastCmd{frame: frame, opts: opts, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("Broadcast timed out", "timeout", commandTimeout)
		return 0
	}
}

// BroadcastToUser delivers a frame to every connection of one user.
// Returns 0 when the user has no live connections.
func (h *Hub) BroadcastToUser(userID string, frame []byte) int {
	return h.Broadcast(frame, BroadcastOpts{UserID: userID})
}

// HandleInbound hands one raw client frame to the actor for dispatch.
func (h *Hub) HandleInbound(id string, raw []byte) {
	h.cmdCh <- inboundCmd{id: id, raw: raw}
}

// Touch refreshes a connection's liveness timestamp (websocket pong).
func (h *Hub) Touch(id string) {
	h.cmdCh <- touchCmd{id: id}
}

// GetStats returns a snapshot of registry state without mutating it.
func (h *Hub) GetStats() Stats {
	replyCh := make(chan Stats, 1)
	h.cmdCh <- statsCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case stats := <-replyCh:
		return stats
	case <-timer.Chan():
		slog.Warn("GetStats timed out", "timeout", commandTimeout)
		return Stats{}
	}
}

// Stop shuts down the actor, closing every client connection.
// Blocks until the goroutine has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timer := h.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAllConns("hub panic")
			// The router ranges over the event stream; leaving it open
			// would hang its shutdown wait.
			h.closeEvents()
			close(h.done)
		}
	}()

	ticker := h.clock.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case addCmd:
				h.handleAdd(c)
			case removeCmd:
				h.removeConn(c.id, c.closeSocket)
			case sendCmd:
				c.replyChannel <- h.sendFrame(c.id, c.frame)
			case broadcastCmd:
				c.replyChannel <- h.handleBroadcast(c)
			case inboundCmd:
				h.handleInbound(c)
			case touchCmd:
				h.handleTouch(c.id)
			case statsCmd:
				c.replyChannel <- h.snapshotStats()
			case setIntentsCmd:
				h.intents = c.intents
			case stopCmd:
				h.handleStop()
				close(h.done)
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			h.handleHeartbeatTick()
		}
	}
}

// emit publishes a lifecycle event without ever blocking the actor.
// Dropping an event only delays poller-side subscription cleanup.
func (h *Hub) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("Hub event buffer full, dropping event", "event_type", fmt.Sprintf("%T", ev))
	}
}

func (h *Hub) handleAdd(c addCmd) {
	if _, exists := h.conns[c.id]; exists {
		c.errorChannel <- fmt.Errorf("%w: %s", ErrDuplicateConn, c.id)
		return
	}

	id := c.id
	conn := &Connection{
		id:            id,
		userID:        c.userID,
		metadata:      c.metadata,
		subscriptions: make(map[string]struct{}),
		lastPingAt:    h.clock.Now(),
		alive:         true,
		writer:        newClientWriter(c.socket, h.clock, func() { h.Close(id) }),
	}

	// Pong frames arrive on the read pump; route them back into the actor.
	c.socket.SetPongHandler(func(string) error {
		h.Touch(id)
		return nil
	})

	h.conns[id] = conn
	h.sockets[id] = c.socket
	if c.userID != "" {
		ids, ok := h.userIndex[c.userID]
		if !ok {
			ids = make(map[string]struct{})
			h.userIndex[c.userID] = ids
		}
		ids[id] = struct{}{}
	}

	metrics.HubConnectedClients.Set(float64(len(h.conns)))
	metrics.HubConnectedUsers.Set(float64(len(h.userIndex)))

	h.emit(Connected{ConnID: id, UserID: c.userID})
	slog.Debug("Connection registered", "conn_id", id, "user_id", c.userID, "total", len(h.conns))
	c.errorChannel <- nil
}

// removeConn fully detaches a connection: user index, rate window, writer.
// Removing an unknown id is a no-op.
func (h *Hub) removeConn(id string, closeSocket bool) {
	conn, exists := h.conns[id]
	if !exists {
		return
	}

	if conn.userID != "" {
		if ids, ok := h.userIndex[conn.userID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(h.userIndex, conn.userID)
			}
		}
	}
	delete(h.conns, id)

	socket := h.sockets[id]
	delete(h.sockets, id)

	h.limiter.Forget(id)

	conn.writer.stop()
	if closeSocket && socket != nil {
		_ = socket.Close()
	}

	metrics.HubConnectedClients.Set(float64(len(h.conns)))
	metrics.HubConnectedUsers.Set(float64(len(h.userIndex)))

	h.emit(Disconnected{ConnID: id, UserID: conn.userID})
	slog.Debug("Connection removed", "conn_id", id, "user_id", conn.userID, "remaining", len(h.conns))
}

// sendFrame enqueues one frame. A connection that cannot accept the write
// (writer stopped or buffer full) is assumed dead and removed.
func (h *Hub) sendFrame(id string, frame []byte) bool {
	conn, exists := h.conns[id]
	if !exists {
		return false
	}
	if !conn.writer.enqueue(frame) {
		slog.Warn("Evicting unwritable connection", "conn_id", id)
		metrics.HubSlowClientsEvicted.Inc()
		h.removeConn(id, true)
		return false
	}
	return true
}

func (h *Hub) handleBroadcast(c broadcastCmd) int {
	excluded := make(map[string]struct{}, len(c.opts.Exclude))
	for _, id := range c.opts.Exclude {
		excluded[id] = struct{}{}
	}

	var matched []string
	for id, conn := range h.conns {
		if _, skip := excluded[id]; skip {
			continue
		}
		if c.opts.UserID != "" && conn.userID != c.opts.UserID {
			continue
		}
		if c.opts.Topic != "" {
			if _, ok := conn.subscriptions[c.opts.Topic]; !ok {
				continue
			}
		}
		matched = append(matched, id)
	}

	// Send after matching: a failed send removes the connection, and the
	// conns map must not change under the matching loop.
	count := 0
	for _, id := range matched {
		if h.sendFrame(id, c.frame) {
			count++
		}
	}
	if count > 0 {
		topic := c.opts.Topic
		if topic == "" {
			topic = "direct"
		}
		metrics.HubBroadcastsSent.WithLabelValues(topic).Add(float64(count))
	}
	return count
}

func (h *Hub) handleInbound(c inboundCmd) {
	conn, exists := h.conns[c.id]
	if !exists {
		return
	}

	msg, err := protocol.Decode(c.raw)
	if err != nil {
		h.sendFrame(c.id, protocol.Error("invalid message format", h.clock.Now()))
		return
	}

	if !h.limiter.Allow(c.id) {
		metrics.HubMessagesRateLimited.Inc()
		h.sendFrame(c.id, protocol.Error("rate limit exceeded", h.clock.Now()))
		return
	}

	metrics.HubMessagesReceived.WithLabelValues(msg.Kind.String()).Inc()

	switch msg.Kind {
	case protocol.KindPing:
		h.sendFrame(c.id, protocol.Pong(h.clock.Now()))

	case protocol.KindHeartbeat:
		conn.lastPingAt = h.clock.Now()
		conn.alive = true
		h.sendFrame(c.id, protocol.HeartbeatAck(h.clock.Now()))

	case protocol.KindSubscribe:
		topic, err := msg.Subscription()
		if err != nil {
			h.sendFrame(c.id, protocol.Error("subscription topic required", h.clock.Now()))
			return
		}
		conn.subscriptions[topic] = struct{}{}

	case protocol.KindUnsubscribe:
		topic, err := msg.Subscription()
		if err != nil {
			h.sendFrame(c.id, protocol.Error("subscription topic required", h.clock.Now()))
			return
		}
		delete(conn.subscriptions, topic)

	case protocol.KindSubscribeMarket, protocol.KindSubscribeUser, protocol.KindSubscribePositions:
		h.dispatchIntent(conn, msg)

	default:
		slog.Debug("Ignoring unrecognized message kind", "conn_id", c.id, "type", msg.Type)
	}
}

// dispatchIntent records topic interest locally and forwards the intent to
// the router. The router call runs off the actor goroutine: it may call
// back into the hub to push cached data.
func (h *Hub) dispatchIntent(conn *Connection, msg protocol.Inbound) {
	switch msg.Kind {
	case protocol.KindSubscribeMarket:
		conn.subscriptions[protocol.TopicMarketData] = struct{}{}
	case protocol.KindSubscribeUser:
		conn.subscriptions[protocol.TopicUserData] = struct{}{}
	case protocol.KindSubscribePositions:
		conn.subscriptions[protocol.TopicPositionUpdates] = struct{}{}
	}

	if h.intents == nil {
		return
	}
	connID, userID := conn.id, conn.userID
	intents := h.intents
	go intents.HandleIntent(connID, userID, msg)
}

func (h *Hub) handleTouch(id string) {
	conn, exists := h.conns[id]
	if !exists {
		return
	}
	conn.lastPingAt = h.clock.Now()
	conn.alive = true
}

// handleHeartbeatTick scans every live connection: silent ones past the
// ping timeout are evicted, the rest get a probe. This is the only path
// that reclaims sockets whose peer vanished without a clean close.
func (h *Hub) handleHeartbeatTick() {
	var dead []string
	for id, conn := range h.conns {
		if h.clock.Since(conn.lastPingAt) > h.pingTimeout {
			dead = append(dead, id)
			continue
		}
		conn.writer.ping()
		conn.alive = false
	}

	for _, id := range dead {
		slog.Info("Evicting dead connection", "conn_id", id, "ping_timeout", h.pingTimeout)
		metrics.HubDeadConnectionsEvicted.Inc()
		h.removeConn(id, true)
	}
}

func (h *Hub) snapshotStats() Stats {
	stats := Stats{
		TotalConnections: len(h.conns),
		TotalUsers:       len(h.userIndex),
		ConnectionIDs:    make([]string, 0, len(h.conns)),
		Users:            make([]string, 0, len(h.userIndex)),
	}
	for id := range h.conns {
		stats.ConnectionIDs = append(stats.ConnectionIDs, id)
	}
	for userID := range h.userIndex {
		stats.Users = append(stats.Users, userID)
	}
	return stats
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "connections", len(h.conns))
	h.closeAllConns("server shutting down")
	h.closeEvents()
}

// closeEvents runs only on the actor goroutine; the flag keeps the stop
// path and the panic-recovery path from closing twice.
func (h *Hub) closeEvents() {
	if h.eventsClosed {
		return
	}
	h.eventsClosed = true
	close(h.events)
}

func (h *Hub) closeAllConns(reason string) {
	for id, conn := range h.conns {
		conn.writer.stopGraceful(reason)
		delete(h.conns, id)
		delete(h.sockets, id)
		h.limiter.Forget(id)
	}
	h.userIndex = make(map[string]map[string]struct{})
	metrics.HubConnectedClients.Set(0)
	metrics.HubConnectedUsers.Set(0)
}
