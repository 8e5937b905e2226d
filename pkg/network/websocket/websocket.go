package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	sendQueue      = 64
	writeWait      = 10 * time.Second
)

type Options struct {
	WriteWait time.Duration
	// PingInterval makes this side send pings and drop the peer
	// if no pong has been received in ~10/9 of the interval, 0 disables.
	PingInterval time.Duration
}

// WS is a WebSocket connection with serialized reads and writes.
type WS struct {
	conn deadlinedConn
	send chan []byte
	ping time.Duration
	log  *logger.Logger

	onMessage func(message []byte)

	once   sync.Once
	closed chan struct{}
	done   chan struct{}
}

var DefaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Dial connects to a WebSocket server.
func Dial(ctx context.Context, address url.URL, opts Options, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, opts, log), nil
}

// NewServerWithConn wraps an upgraded server side connection.
func NewServerWithConn(conn *websocket.Conn, opts Options, log *logger.Logger) *WS {
	return newSocket(conn, opts, log)
}

func newSocket(conn *websocket.Conn, opts Options, log *logger.Logger) *WS {
	wt := opts.WriteWait
	if wt <= 0 {
		wt = writeWait
	}
	return &WS{
		conn:   deadlinedConn{sock: conn, wt: wt},
		send:   make(chan []byte, sendQueue),
		ping:   opts.PingInterval,
		log:    log,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Listen starts the read and write pumps.
// All the messages are handed to the fn callback in the order of arrival.
// The returned channel is closed when the connection is gone.
func (ws *WS) Listen(fn func(message []byte)) <-chan struct{} {
	ws.onMessage = fn
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); ws.reader() }()
	go func() { defer pumps.Done(); ws.writer() }()
	go func() {
		pumps.Wait()
		close(ws.done)
	}()
	return ws.done
}

// reader pumps messages from the websocket connection to the message callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer ws.shutdown()
	pongWait := ws.ping * 10 / 9
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.ping > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.log.Warn().Err(err).Msg("socket read")
			}
			return
		}
		if ws.ping > 0 {
			ws.conn.setup(func(conn *websocket.Conn) { _ = conn.SetReadDeadline(time.Now().Add(pongWait)) })
		}
		ws.onMessage(message)
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	defer func() {
		ws.shutdown()
		// unblocks the reader
		_ = ws.conn.close()
	}()
	var tick <-chan time.Time
	if ws.ping > 0 {
		ticker := time.NewTicker(ws.ping)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case message := <-ws.send:
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				ws.log.Warn().Err(err).Msg("socket write")
				return
			}
		case <-tick:
			if err := ws.conn.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ws.closed:
			_ = ws.conn.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Write queues a message for sending.
// Returns false if the connection is already closed.
func (ws *WS) Write(data []byte) bool {
	select {
	case <-ws.closed:
		return false
	default:
	}
	select {
	case ws.send <- data:
		return true
	case <-ws.closed:
		return false
	}
}

// Close gracefully closes the connection, pending writes may be lost.
func (ws *WS) Close() { ws.shutdown() }

func (ws *WS) IsClosed() bool {
	select {
	case <-ws.closed:
		return true
	default:
		return false
	}
}

// shutdown stops the writer which closes the socket after the close frame.
func (ws *WS) shutdown() { ws.once.Do(func() { close(ws.closed) }) }
