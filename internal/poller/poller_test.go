package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider counts fetches and can be switched into failure mode.
type mockProvider struct {
	mu      sync.Mutex
	fetches atomic.Int64
	fail    bool
	payload json.RawMessage
}

func (m *mockProvider) fetch(_ context.Context, key string) (json.RawMessage, error) {
	m.fetches.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("upstream unavailable")
	}
	if m.payload != nil {
		return m.payload, nil
	}
	return json.RawMessage(fmt.Sprintf(`{"key":%q}`, key)), nil
}

func (m *mockProvider) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func newTestPoller(t *testing.T, cfg Config, provider *mockProvider, clock clockwork.Clock) *Poller {
	t.Helper()
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	p := New(cfg, provider.fetch, clock)
	t.Cleanup(p.Stop)
	return p
}

func awaitEvent(t *testing.T, p *Poller) Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poller event")
		return nil
	}
}

func TestPoller_SubscribeTriggersImmediateFetch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{Topic: "user_data", Interval: time.Hour, TTL: time.Minute}, provider, clock)

	p.Subscribe("u1", "conn-1")

	ev := awaitEvent(t, p)
	update, ok := ev.(Update)
	require.True(t, ok, "expected Update, got %T", ev)
	assert.Equal(t, "user_data", update.Topic)
	assert.Equal(t, "u1", update.Key)
	assert.JSONEq(t, `{"key":"u1"}`, string(update.Payload))

	payload, hit := p.Cached("u1")
	require.True(t, hit)
	assert.JSONEq(t, `{"key":"u1"}`, string(payload))
}

func TestPoller_FreshCacheSkipsFetchOnSubscribe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{Topic: "user_data", Interval: time.Hour, TTL: time.Minute}, provider, clock)

	p.Subscribe("u1", "conn-1")
	awaitEvent(t, p)
	require.EqualValues(t, 1, provider.fetches.Load())

	// Second subscriber within TTL: the cached entry serves, no fetch.
	p.Subscribe("u1", "conn-2")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, provider.fetches.Load())
}

func TestPoller_FailureEmitsErrorAndKeepsStaleCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{payload: json.RawMessage(`{"v":1}`)}
	p := newTestPoller(t, Config{Topic: "user_data", Interval: time.Minute, TTL: time.Hour}, provider, clock)

	p.Subscribe("u1", "conn-1")
	awaitEvent(t, p)

	provider.setFail(true)
	clock.BlockUntil(2) // poll ticker + eviction ticker
	clock.Advance(time.Minute)

	ev := awaitEvent(t, p)
	failure, ok := ev.(Failure)
	require.True(t, ok, "expected Failure, got %T", ev)
	assert.Equal(t, "u1", failure.Key)
	assert.Error(t, failure.Err)

	// The pre-failure entry is still within TTL and still servable.
	payload, hit := p.Cached("u1")
	require.True(t, hit, "Stale-but-valid entry must survive a failed fetch")
	assert.JSONEq(t, `{"v":1}`, string(payload))
}

func TestPoller_CacheExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{Topic: "user_data", Interval: time.Hour, TTL: 100 * time.Millisecond}, provider, clock)

	p.Subscribe("u1", "conn-1")
	awaitEvent(t, p)

	_, hit := p.Cached("u1")
	require.True(t, hit)

	clock.Advance(101 * time.Millisecond)
	_, hit = p.Cached("u1")
	assert.False(t, hit, "Entry past TTL reads as absent")
}

func TestPoller_EmptyInterestStopsPerKeyPolling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{Topic: "user_data", Interval: time.Minute, TTL: time.Millisecond}, provider, clock)

	p.Subscribe("u1", "conn-1")
	awaitEvent(t, p)
	require.EqualValues(t, 1, provider.fetches.Load())

	p.UnsubscribeConn("conn-1")
	time.Sleep(20 * time.Millisecond)

	clock.BlockUntil(2)
	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, provider.fetches.Load(), "No subscribers, no polling")
}

func TestPoller_UnsubscribeStopsSingleKeyPolling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{Topic: "user_data", Interval: time.Minute, TTL: time.Millisecond}, provider, clock)

	p.Subscribe("u1", "conn-1")
	awaitEvent(t, p)
	p.Subscribe("u2", "conn-1")
	awaitEvent(t, p)
	require.EqualValues(t, 2, provider.fetches.Load())

	// Dropping u1 leaves conn-1 subscribed to u2 only.
	p.Unsubscribe("u1", "conn-1")
	time.Sleep(20 * time.Millisecond)

	clock.BlockUntil(2)
	clock.Advance(time.Minute)

	ev := awaitEvent(t, p)
	update, ok := ev.(Update)
	require.True(t, ok, "expected Update, got %T", ev)
	assert.Equal(t, "u2", update.Key)
	assert.EqualValues(t, 3, provider.fetches.Load(), "Only the remaining key is polled")

	stats := p.GetStats()
	assert.Equal(t, 1, stats.Subscribers)
}

func TestPoller_FixedKeysPollRegardlessOfSubscribers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{
		Topic:     "market_data",
		Interval:  time.Second,
		TTL:       time.Second,
		FixedKeys: []string{"XBTUSD"},
	}, provider, clock)

	clock.BlockUntil(2)
	clock.Advance(time.Second)

	ev := awaitEvent(t, p)
	update, ok := ev.(Update)
	require.True(t, ok, "expected Update, got %T", ev)
	assert.Equal(t, "XBTUSD", update.Key)
}

func TestPoller_Stats(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := &mockProvider{}
	p := newTestPoller(t, Config{Topic: "position_updates", Interval: 5 * time.Second, TTL: time.Minute}, provider, clock)

	p.Subscribe("u1", "conn-1")
	p.Subscribe("u2", "conn-2")
	awaitEvent(t, p)
	awaitEvent(t, p)

	stats := p.GetStats()
	assert.Equal(t, "position_updates", stats.Topic)
	assert.Equal(t, 2, stats.Subscribers)
	assert.Equal(t, 2, stats.CacheSize)
	assert.ElementsMatch(t, []string{"u1", "u2"}, stats.CacheKeys)
	assert.Equal(t, "5s", stats.UpdateInterval)
}
