package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// Connection is the registry's record of one accepted socket. All fields
// are owned by the hub actor; nothing outside the actor touches them.
type Connection struct {
	id            string
	userID        string
	metadata      map[string]string
	subscriptions map[string]struct{}
	lastPingAt    time.Time
	alive         bool
	writer        *clientWriter
}

// clientWriter serializes all writes to one socket through a single
// goroutine with a bounded buffer. A full buffer or a failed write marks
// the connection dead; the hub is notified through onFailure.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	pingChannel chan struct{}
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	onFailure   func()
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, onFailure func()) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		pingChannel: make(chan struct{}, 1),
		doneChannel: make(chan struct{}),
		onFailure:   onFailure,
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.fail()
				return
			}
		case <-cw.pingChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.fail()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// enqueue hands a frame to the write goroutine. Returns false when the
// writer has stopped or the buffer is full.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}
	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

// ping schedules a websocket ping control frame. Coalesces when one is
// already pending.
func (cw *clientWriter) ping() {
	select {
	case cw.pingChannel <- struct{}{}:
	default:
	}
}

func (cw *clientWriter) fail() {
	if cw.onFailure != nil {
		go cw.onFailure()
	}
}

// stop terminates the write goroutine without touching the socket.
// The caller decides whether the socket itself is closed.
func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before stopping.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}
