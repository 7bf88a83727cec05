package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/colloquyhq/colloquy-live/broker"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Outbound queue capacity per connection. A client that falls this
	// far behind is disconnected instead of stalling the broadcaster.
	sendQueueSize = 32
)

var (
	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("outbound queue full")
	// ErrConnClosed is returned by Send after the connection closed.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is one gorilla websocket session implementing broker.Transport.
// The broker pushes events into a bounded queue; the write loop drains it
// to the socket so a slow peer never blocks a room broadcast.
type Conn struct {
	sock   *websocket.Conn
	out    chan *broker.Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newConn(sock *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		sock:   sock,
		out:    make(chan *broker.Event, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues e for delivery. It never blocks.
func (c *Conn) Send(e *broker.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- e:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close signals the write loop to send a close frame and tear the socket
// down. Safe to call from multiple triggers.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) writeLoop() {
	defer c.sock.Close()
	for {
		select {
		case e := <-c.out:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(e); err != nil {
				c.logger.Debug("write failed", slog.String("err", err.Error()))
				return
			}
		case <-c.done:
			// drain what was queued before the close was requested
			for {
				select {
				case e := <-c.out:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.sock.WriteJSON(e); err != nil {
						return
					}
				default:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					c.sock.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readLoop feeds inbound frames to the broker until the socket dies, then
// retires the connection. Liveness is the broker's job: its ping events
// ride the normal event stream and the client answers with pong frames,
// so no transport-level read deadline is set here.
func (c *Conn) readLoop(connID string, b Broker) {
	defer func() {
		b.Retire(connID, broker.ReasonTransportError)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("unexpected close", slog.String("err", err.Error()))
			}
			return
		}
		if err := b.Dispatch(connID, data); err != nil {
			c.logger.Warn("frame rejected",
				slog.String("conn.id", connID), slog.String("err", err.Error()))
		}
	}
}
