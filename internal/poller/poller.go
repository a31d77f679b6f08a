// Package poller implements the topic poller actor: a periodic fetch loop
// in front of a slow upstream provider, backed by a TTL cache.
//
// One instance serves one topic. Market data polls a fixed key on every
// tick; per-user topics poll only keys somebody subscribed to. Fetch
// results are applied on the actor goroutine, so cache writes and event
// emission stay serialized with subscription bookkeeping.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pmahler/btcdash/internal/cache"
	"github.com/pmahler/btcdash/internal/metrics"
)

const (
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	eventBufferLen   = 256
	evictionInterval = time.Minute
)

// FetchFunc calls the upstream provider once for one topic key.
type FetchFunc func(ctx context.Context, key string) (json.RawMessage, error)

// Event is the closed set of poller events consumed by the router.
type Event interface{ isPollerEvent() }

type baseEvent struct{}

func (baseEvent) isPollerEvent() {}

// Update carries a freshly fetched payload for one key.
type Update struct {
	baseEvent
	Topic   string
	Key     string
	Payload json.RawMessage
}

// Failure reports a failed fetch for one key. The previous cache entry,
// if still within TTL, remains servable.
type Failure struct {
	baseEvent
	Topic string
	Key   string
	Err   error
}

// Config holds one topic's polling parameters.
type Config struct {
	Topic        string
	Interval     time.Duration
	TTL          time.Duration
	FetchTimeout time.Duration
	// FixedKeys are polled on every tick regardless of subscriber count
	// (market data). When empty, only subscribed keys are polled.
	FixedKeys []string
}

// Stats is a read-only snapshot of one poller's state.
type Stats struct {
	Topic          string   `json:"topic"`
	Subscribers    int      `json:"subscribers"`
	CacheSize      int      `json:"cacheSize"`
	CacheKeys      []string `json:"cacheKeys"`
	UpdateInterval string   `json:"updateInterval"`
}

// --- Command types ---

type pollerCmd interface{ isPollerCmd() }

type basePollerCmd struct{}

func (basePollerCmd) isPollerCmd() {}

type subscribeCmd struct {
	basePollerCmd
	key    string
	connID string
}

type unsubscribeCmd struct {
	basePollerCmd
	key    string
	connID string
}

type unsubscribeConnCmd struct {
	basePollerCmd
	connID string
}

type fetchResultCmd struct {
	basePollerCmd
	key     string
	payload json.RawMessage
	err     error
}

type statsCmd struct {
	basePollerCmd
	replyChannel chan Stats
}

type stopCmd struct {
	basePollerCmd
}

// Poller is the topic poller actor.
type Poller struct {
	cmdCh        chan pollerCmd
	clock        clockwork.Clock
	cfg          Config
	fetch        FetchFunc
	cache        *cache.Store
	interest     map[string]map[string]struct{} // key -> interested conn ids
	inflight     map[string]struct{}
	events       chan Event
	done         chan struct{}
	stopEviction func()
}

// New creates and starts a poller for one topic.
func New(cfg Config, fetch FetchFunc, clock clockwork.Clock) *Poller {
	p := &Poller{
		cmdCh:    make(chan pollerCmd, 256),
		clock:    clock,
		cfg:      cfg,
		fetch:    fetch,
		cache:    cache.New(cfg.Topic, cfg.TTL, clock),
		interest: make(map[string]map[string]struct{}),
		inflight: make(map[string]struct{}),
		events:   make(chan Event, eventBufferLen),
		done:     make(chan struct{}),
	}
	p.stopEviction = p.cache.StartEvictionTimer(evictionInterval)
	go p.run()
	return p
}

// Events exposes the poller's update/failure stream. Closed on Stop.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Subscribe registers a connection's interest in key. When no valid cache
// entry exists, an immediate fetch is triggered; when one does, the caller
// is expected to push it (the poller never pushes).
func (p *Poller) Subscribe(key, connID string) {
	p.cmdCh <- subscribeCmd{key: key, connID: connID}
}

// Unsubscribe drops one connection's interest in key.
func (p *Poller) Unsubscribe(key, connID string) {
	p.cmdCh <- unsubscribeCmd{key: key, connID: connID}
}

// UnsubscribeConn drops a connection from every key it joined.
func (p *Poller) UnsubscribeConn(connID string) {
	p.cmdCh <- unsubscribeConnCmd{connID: connID}
}

// Cached returns the cached payload for key if it is still fresh.
func (p *Poller) Cached(key string) (json.RawMessage, bool) {
	return p.cache.Get(key)
}

// GetStats returns a snapshot of the poller's state.
func (p *Poller) GetStats() Stats {
	replyCh := make(chan Stats, 1)
	p.cmdCh <- statsCmd{replyChannel: replyCh}

	timer := p.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case stats := <-replyCh:
		return stats
	case <-timer.Chan():
		slog.Warn("GetStats timed out", "topic", p.cfg.Topic, "timeout", commandTimeout)
		return Stats{Topic: p.cfg.Topic}
	}
}

// Stop shuts down the poll loop. Blocks until the goroutine has exited or
// the stop timeout is reached.
func (p *Poller) Stop() {
	p.cmdCh <- stopCmd{}

	timer := p.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		slog.Info("Poller stopped", "topic", p.cfg.Topic)
	case <-timer.Chan():
		slog.Warn("Poller stop timeout exceeded", "topic", p.cfg.Topic, "timeout", stopTimeout)
	}
}

func (p *Poller) run() {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-p.cmdCh:
			switch c := cmd.(type) {
			case subscribeCmd:
				p.handleSubscribe(c)
			case unsubscribeCmd:
				p.handleUnsubscribe(c)
			case unsubscribeConnCmd:
				p.handleUnsubscribeConn(c)
			case fetchResultCmd:
				p.handleFetchResult(c)
			case statsCmd:
				c.replyChannel <- p.snapshotStats()
			case stopCmd:
				p.stopEviction()
				close(p.events)
				close(p.done)
				return
			default:
				slog.Warn("Poller received unknown command type", "topic", p.cfg.Topic, "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			p.handleTick()
		}
	}
}

func (p *Poller) handleSubscribe(c subscribeCmd) {
	conns, ok := p.interest[c.key]
	if !ok {
		conns = make(map[string]struct{})
		p.interest[c.key] = conns
	}
	conns[c.connID] = struct{}{}
	metrics.PollerSubscribers.WithLabelValues(p.cfg.Topic).Set(float64(p.subscriberCount()))

	if _, fresh := p.cache.Get(c.key); !fresh {
		p.startFetch(c.key)
	}
}

func (p *Poller) handleUnsubscribe(c unsubscribeCmd) {
	conns, ok := p.interest[c.key]
	if !ok {
		return
	}
	delete(conns, c.connID)
	if len(conns) == 0 {
		delete(p.interest, c.key)
	}
	metrics.PollerSubscribers.WithLabelValues(p.cfg.Topic).Set(float64(p.subscriberCount()))
}

func (p *Poller) handleUnsubscribeConn(c unsubscribeConnCmd) {
	for key, conns := range p.interest {
		delete(conns, c.connID)
		if len(conns) == 0 {
			delete(p.interest, key)
		}
	}
	metrics.PollerSubscribers.WithLabelValues(p.cfg.Topic).Set(float64(p.subscriberCount()))
}

// handleTick fetches every due key: the fixed keys unconditionally, plus
// every key somebody is subscribed to.
func (p *Poller) handleTick() {
	for _, key := range p.cfg.FixedKeys {
		p.startFetch(key)
	}
	for key := range p.interest {
		p.startFetch(key)
	}
}

// startFetch launches one upstream call for key unless one is already in
// flight. The result comes back as a command so state changes stay on the
// actor goroutine. An in-flight fetch is never cancelled by unsubscribes:
// its result is still cached for whoever asks next.
func (p *Poller) startFetch(key string) {
	if _, running := p.inflight[key]; running {
		return
	}
	p.inflight[key] = struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
		defer cancel()

		start := p.clock.Now()
		payload, err := p.fetch(ctx, key)
		metrics.PollerFetchDuration.WithLabelValues(p.cfg.Topic).Observe(p.clock.Since(start).Seconds())

		select {
		case p.cmdCh <- fetchResultCmd{key: key, payload: payload, err: err}:
		case <-p.done:
		}
	}()
}

func (p *Poller) handleFetchResult(c fetchResultCmd) {
	delete(p.inflight, c.key)

	if c.err != nil {
		// Leave the previous entry untouched: a still-valid stale value
		// beats no value.
		metrics.PollerFetchErrors.WithLabelValues(p.cfg.Topic).Inc()
		slog.Warn("Upstream fetch failed", "topic", p.cfg.Topic, "key", c.key, "error", c.err)
		p.emit(Failure{Topic: p.cfg.Topic, Key: c.key, Err: c.err})
		return
	}

	p.cache.Set(c.key, c.payload)
	metrics.PollerCacheSize.WithLabelValues(p.cfg.Topic).Set(float64(p.cache.Size()))
	p.emit(Update{Topic: p.cfg.Topic, Key: c.key, Payload: c.payload})
}

func (p *Poller) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		slog.Warn("Poller event buffer full, dropping event", "topic", p.cfg.Topic)
	}
}

func (p *Poller) subscriberCount() int {
	distinct := make(map[string]struct{})
	for _, conns := range p.interest {
		for connID := range conns {
			distinct[connID] = struct{}{}
		}
	}
	return len(distinct)
}

func (p *Poller) snapshotStats() Stats {
	return Stats{
		Topic:          p.cfg.Topic,
		Subscribers:    p.subscriberCount(),
		CacheSize:      p.cache.Size(),
		CacheKeys:      p.cache.Keys(),
		UpdateInterval: p.cfg.Interval.String(),
	}
}
