package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/OCAP2/locsync/pkg/streaming"
)

const (
	sendChSize   = 1_000
	ackChSize    = 16
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 10 * time.Second
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("websocket connection closed")

// replayState is what a fresh connection needs to show the current map.
type replayState struct {
	hello []byte
	icons map[string][]byte
	clear []byte
	add   []byte
}

func (r *replayState) messages() [][]byte {
	var out [][]byte
	if r.hello != nil {
		out = append(out, r.hello)
	}
	refs := make([]string, 0, len(r.icons))
	for ref := range r.icons {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		out = append(out, r.icons[ref])
	}
	if r.clear != nil {
		out = append(out, r.clear)
	}
	if r.add != nil {
		out = append(out, r.add)
	}
	return out
}

// connection manages a WebSocket connection with a single write goroutine
// per dialled socket.
type connection struct {
	mu     sync.Mutex
	conn   *ws.Conn
	stop   chan struct{} // closed when conn is lost or replaced
	sendCh chan []byte
	ackCh  chan streaming.AckMessage
	done   chan struct{} // closed on shutdown
	closed bool

	wsURL          string
	secret         string
	initialBackoff time.Duration

	replay replayState

	logger *slog.Logger
}

func newConnection(logger *slog.Logger, initialBackoff time.Duration) *connection {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	return &connection{
		sendCh:         make(chan []byte, sendChSize),
		ackCh:          make(chan streaming.AckMessage, ackChSize),
		done:           make(chan struct{}),
		initialBackoff: initialBackoff,
		replay:         replayState{icons: make(map[string][]byte)},
		logger:         logger,
	}
}

// dial connects to the WebSocket server and starts read/write loops.
func (c *connection) dial(rawURL, secret string) error {
	c.wsURL = rawURL
	c.secret = secret

	conn, err := c.dialOnce()
	if err != nil {
		return err
	}
	c.start(conn)
	return nil
}

// dialOnce performs a single WebSocket dial with the secret query param.
func (c *connection) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if c.secret != "" {
		q := u.Query()
		q.Set("secret", c.secret)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *connection) start(conn *ws.Conn) {
	stop := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.mu.Unlock()

	go c.writeLoop(conn, stop)
	go c.readLoop(conn, stop)
}

// writeLoop drains sendCh and writes messages to conn until it is lost.
func (c *connection) writeLoop(conn *ws.Conn, stop chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-stop:
			return
		case data := <-c.sendCh:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.lost(conn, err)
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.lost(conn, err)
				return
			}
		}
	}
}

// readLoop reads ack messages from the server and routes them to ackCh.
func (c *connection) readLoop(conn *ws.Conn, stop chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case <-stop:
				return
			default:
			}
			c.lost(conn, err)
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(message, &ack); err != nil {
			c.logger.Debug("Non-ack message received", "raw", string(message))
			continue
		}

		if ack.Type == streaming.TypeAck {
			select {
			case c.ackCh <- ack:
			default:
				c.logger.Debug("Ack channel full, dropping", "for", ack.For)
			}
		}
	}
}

// lost retires conn and starts reconnecting. Only the first caller for a
// given conn reconnects.
func (c *connection) lost(conn *ws.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.stop = nil
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("WebSocket connection lost", "error", cause)
	go c.reconnect()
}

// reconnect re-establishes the connection with exponential backoff. On
// success it replays the session hello, the icons and the last snapshot.
func (c *connection) reconnect() {
	backoff := c.initialBackoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to WebSocket", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		// every queued message was remembered before it was queued, so the
		// replay taken after the drain already covers it
		dropped := c.discardQueued()
		replay := c.replay.messages()
		c.mu.Unlock()

		if err := writeAll(conn, replay); err != nil {
			c.logger.Warn("Failed to replay snapshot after reconnect", "error", err)
			_ = conn.Close()
			continue
		}

		c.logger.Info("WebSocket reconnected", "attempt", attempt, "replayed", len(replay), "dropped", dropped)
		c.start(conn)
		return
	}

	c.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// discardQueued empties sendCh without blocking and returns how many
// messages it dropped.
func (c *connection) discardQueued() int {
	n := 0
	for {
		select {
		case <-c.sendCh:
			n++
		default:
			return n
		}
	}
}

func writeAll(conn *ws.Conn, msgs [][]byte) error {
	for _, data := range msgs {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// remember updates the replay state under the connection lock.
func (c *connection) remember(fn func(r *replayState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.replay)
}

// send pushes data to the write loop without blocking.
func (c *connection) send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
		return fmt.Errorf("websocket send queue full")
	}
}

// sendAndWait sends data and blocks until the server acknowledges with a
// matching ack message or the timeout expires.
func (c *connection) sendAndWait(data []byte, ackFor string, timeout time.Duration) error {
	if err := c.send(data); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.ackCh:
			if ack.For == ackFor {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-c.done:
			return fmt.Errorf("connection closed while waiting for ack of %q", ackFor)
		}
	}
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}
