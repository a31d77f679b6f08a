package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmahler/btcdash/internal/protocol"
	"github.com/pmahler/btcdash/internal/ratelimit"
)

// testHub sets up a Hub behind a test HTTP server. Dialed clients pick
// their own connection id and userId via query params, mirroring what the
// real server handler does after the handshake.
type testHub struct {
	hub     *Hub
	limiter *ratelimit.Limiter
	dial    func(id, userID string) *ws.Conn
	addErrs chan error
}

func newTestHub(t *testing.T, heartbeatInterval, pingTimeout time.Duration, limiter *ratelimit.Limiter) *testHub {
	t.Helper()

	clock := clockwork.NewRealClock()
	if limiter == nil {
		limiter = ratelimit.New(1000, time.Minute, clock)
	}

	h := New(limiter, heartbeatInterval, pingTimeout, clock)
	t.Cleanup(h.Stop)

	th := &testHub{hub: h, limiter: limiter, addErrs: make(chan error, 16)}

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		id := r.URL.Query().Get("id")
		userID := r.URL.Query().Get("userId")

		if err := h.Add(id, conn, userID, nil); err != nil {
			th.addErrs <- err
			_ = conn.Close()
			return
		}

		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					h.Close(id)
					return
				}
				h.HandleInbound(id, raw)
			}
		}()
	}))
	t.Cleanup(server.Close)

	th.dial = func(id, userID string) *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "?id=" + id + "&userId=" + userID
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return th
}

func waitForConnCount(h *Hub, expected int) bool {
	for i := 0; i < 200; i++ {
		if h.GetStats().TotalConnections == expected {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func readFrame(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// roundTrip sends a ping and waits for the pong, guaranteeing every frame
// written before it has been dispatched by the actor.
func roundTrip(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"ping"}`)))
	frame := readFrame(t, conn)
	require.Equal(t, "pong", frame["type"])
}

func expectNoFrame(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "Expected no frame within the deadline")
}

func TestHub_RegistryAccounting(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	th.dial("a", "")
	th.dial("b", "")
	th.dial("c", "")
	require.True(t, waitForConnCount(th.hub, 3))

	th.hub.Remove("b")
	require.True(t, waitForConnCount(th.hub, 2))

	// Removing twice never double-counts.
	th.hub.Remove("b")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, th.hub.GetStats().TotalConnections)

	ids := th.hub.GetStats().ConnectionIDs
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestHub_DuplicateIDRejected(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	th.dial("dup", "")
	require.True(t, waitForConnCount(th.hub, 1))

	th.dial("dup", "")
	select {
	case err := <-th.addErrs:
		assert.ErrorIs(t, err, ErrDuplicateConn)
	case <-time.After(2 * time.Second):
		t.Fatal("expected duplicate id rejection")
	}
	assert.Equal(t, 1, th.hub.GetStats().TotalConnections)
}

func TestHub_UserIndexInvariant(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	th.dial("a", "u1")
	th.dial("b", "u1")
	th.dial("c", "u2")
	require.True(t, waitForConnCount(th.hub, 3))

	users := th.hub.GetStats().Users
	sort.Strings(users)
	assert.Equal(t, []string{"u1", "u2"}, users)

	// u1 stays in the index while one of its connections lives.
	th.hub.Remove("a")
	require.True(t, waitForConnCount(th.hub, 2))
	users = th.hub.GetStats().Users
	sort.Strings(users)
	assert.Equal(t, []string{"u1", "u2"}, users)

	th.hub.Remove("b")
	require.True(t, waitForConnCount(th.hub, 1))
	assert.Equal(t, []string{"u2"}, th.hub.GetStats().Users)
}

func TestHub_BroadcastToUser(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	connA := th.dial("a", "u1")
	connB := th.dial("b", "u1")
	connC := th.dial("c", "u2")
	require.True(t, waitForConnCount(th.hub, 3))

	frame := protocol.Data(protocol.TopicUserData, json.RawMessage(`{"walletBalance":7}`), time.Now())
	count := th.hub.BroadcastToUser("u1", frame)
	assert.Equal(t, 2, count)

	for _, conn := range []*ws.Conn{connA, connB} {
		got := readFrame(t, conn)
		assert.Equal(t, "user_data", got["type"])
	}
	expectNoFrame(t, connC)

	assert.Equal(t, 0, th.hub.BroadcastToUser("nobody", frame))
}

func TestHub_BroadcastTopicFilter(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	subscribed := th.dial("a", "")
	other := th.dial("b", "")
	require.True(t, waitForConnCount(th.hub, 2))

	require.NoError(t, subscribed.WriteMessage(ws.TextMessage,
		[]byte(`{"type":"subscribe","data":{"subscription":"market_data"}}`)))
	roundTrip(t, subscribed)

	frame := protocol.Data(protocol.TopicMarketData, json.RawMessage(`{"lastPrice":5}`), time.Now())
	count := th.hub.Broadcast(frame, BroadcastOpts{Topic: protocol.TopicMarketData})
	assert.Equal(t, 1, count)

	got := readFrame(t, subscribed)
	assert.Equal(t, "market_data", got["type"])
	expectNoFrame(t, other)
}

func TestHub_Unsubscribe(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	conn := th.dial("a", "")
	require.True(t, waitForConnCount(th.hub, 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage,
		[]byte(`{"type":"subscribe","data":{"subscription":"market_data"}}`)))
	require.NoError(t, conn.WriteMessage(ws.TextMessage,
		[]byte(`{"type":"unsubscribe","data":{"subscription":"market_data"}}`)))
	roundTrip(t, conn)

	frame := protocol.Data(protocol.TopicMarketData, json.RawMessage(`{}`), time.Now())
	assert.Equal(t, 0, th.hub.Broadcast(frame, BroadcastOpts{Topic: protocol.TopicMarketData}))
}

func TestHub_BroadcastExclude(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	connA := th.dial("a", "")
	connB := th.dial("b", "")
	require.True(t, waitForConnCount(th.hub, 2))

	frame := protocol.Data(protocol.TopicMarketData, json.RawMessage(`{}`), time.Now())
	count := th.hub.Broadcast(frame, BroadcastOpts{Exclude: []string{"a"}})
	assert.Equal(t, 1, count)

	readFrame(t, connB)
	expectNoFrame(t, connA)
}

func TestHub_SendToUnknownConn(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)
	assert.False(t, th.hub.Send("ghost", []byte(`{}`)))
}

func TestHub_PingPongAndHeartbeat(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	conn := th.dial("a", "")
	require.True(t, waitForConnCount(th.hub, 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"ping"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"heartbeat"}`)))
	frame = readFrame(t, conn)
	assert.Equal(t, "heartbeat_ack", frame["type"])
}

func TestHub_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	conn := th.dial("a", "")
	require.True(t, waitForConnCount(th.hub, 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`this is not json`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])

	// Still registered, still answering.
	roundTrip(t, conn)
	assert.Equal(t, 1, th.hub.GetStats().TotalConnections)
}

func TestHub_UnknownKindIgnored(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	conn := th.dial("a", "")
	require.True(t, waitForConnCount(th.hub, 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"place_order"}`)))
	roundTrip(t, conn)
	assert.Equal(t, 1, th.hub.GetStats().TotalConnections)
}

func TestHub_RateLimit(t *testing.T) {
	clock := clockwork.NewRealClock()
	limiter := ratelimit.New(3, time.Minute, clock)
	th := newTestHub(t, time.Hour, time.Hour, limiter)

	conn := th.dial("a", "")
	require.True(t, waitForConnCount(th.hub, 1))

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"ping"}`)))
	}

	pongs, rejections := 0, 0
	for i := 0; i < 5; i++ {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "pong":
			pongs++
		case "error":
			rejections++
		}
	}
	assert.Equal(t, 3, pongs, "Window cap worth of messages dispatched")
	assert.Equal(t, 2, rejections, "Excess messages rejected with an error frame")
	assert.Equal(t, 1, th.hub.GetStats().TotalConnections, "Rate limiting never disconnects")
}

func TestHub_HeartbeatEvictsSilentPeer(t *testing.T) {
	th := newTestHub(t, 25*time.Millisecond, 80*time.Millisecond, nil)

	conn := th.dial("silent", "")
	require.True(t, waitForConnCount(th.hub, 1))

	// Swallow server pings so no pong ever refreshes lastPingAt.
	conn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.True(t, waitForConnCount(th.hub, 0), "Silent peer should be evicted after ping timeout")
}

func TestHub_ResponsivePeerSurvivesHeartbeat(t *testing.T) {
	th := newTestHub(t, 20*time.Millisecond, 60*time.Millisecond, nil)

	conn := th.dial("alive", "")
	require.True(t, waitForConnCount(th.hub, 1))

	// The default gorilla ping handler answers with a pong; keep reading
	// so control frames get processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, th.hub.GetStats().TotalConnections)
}

func TestHub_RateWindowDiscardedOnRemoval(t *testing.T) {
	clock := clockwork.NewRealClock()
	limiter := ratelimit.New(1000, time.Minute, clock)
	th := newTestHub(t, time.Hour, time.Hour, limiter)

	conn := th.dial("a", "")
	require.True(t, waitForConnCount(th.hub, 1))

	roundTrip(t, conn)
	require.Equal(t, 1, limiter.Size())

	th.hub.Remove("a")
	require.True(t, waitForConnCount(th.hub, 0))
	assert.Equal(t, 0, limiter.Size(), "Registry owns the window lifecycle")
}

func TestHub_DisconnectedEventEmitted(t *testing.T) {
	th := newTestHub(t, time.Hour, time.Hour, nil)

	th.dial("a", "u1")
	require.True(t, waitForConnCount(th.hub, 1))

	// Drain the Connected event first.
	select {
	case ev := <-th.hub.Events():
		connected, ok := ev.(Connected)
		require.True(t, ok)
		assert.Equal(t, "a", connected.ConnID)
		assert.Equal(t, "u1", connected.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Connected event")
	}

	th.hub.Remove("a")
	select {
	case ev := <-th.hub.Events():
		disconnected, ok := ev.(Disconnected)
		require.True(t, ok)
		assert.Equal(t, "a", disconnected.ConnID)
		assert.Equal(t, "u1", disconnected.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Disconnected event")
	}
}

func TestHub_PanicRecoveryClosesEventStream(t *testing.T) {
	clock := clockwork.NewRealClock()
	limiter := ratelimit.New(100, time.Minute, clock)
	h := New(limiter, time.Hour, time.Hour, clock)

	// A closed reply channel makes the actor panic when it answers; the
	// recovery path must still shut the event stream so consumers ranging
	// over Events() terminate.
	replyCh := make(chan Stats)
	close(replyCh)
	h.cmdCh <- statsCmd{replyChannel: replyCh}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after panic")
	}

	select {
	case _, open := <-h.Events():
		assert.False(t, open, "event stream must be closed after a panic")
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after panic")
	}
}
