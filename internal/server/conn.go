package server

import (
	"chat-relay/internal/event"
	"errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"sync"
	"time"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// conn is a connection handle over a websocket.
// Pushes are queued on a bounded buffer drained by writePump, the only writer of data frames.
type conn struct {
	id string
	ws *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// quit asks writePump to drain send and say goodbye, stopped is closed when it returns
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}

	writeTimeout time.Duration
	pingPeriod   time.Duration
}

func newConn(ws *websocket.Conn, cfg *config) *conn {
	return &conn{
		id:           uuid.NewString(),
		ws:           ws,
		send:         make(chan []byte, cfg.sendBuffer),
		done:         make(chan struct{}),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		writeTimeout: cfg.writeTimeout,
		pingPeriod:   cfg.pingPeriod(),
	}
}

func (c *conn) ID() string {
	return c.id
}

// Push queues e for writing. A full buffer closes the connection.
func (c *conn) Push(e event.Event) error {
	data, err := event.Encode(e)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.close(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSendBufferFull
	}
}

// writePump writes queued frames and keepalive pings until the connection is closed
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.stopped)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.quit:
			c.flush()
			c.close(websocket.CloseNormalClosure, "")
			return
		case <-c.done:
			return
		}
	}
}

// shutdown closes the connection after writing the events already queued.
// It waits at most one write timeout for writePump to finish.
func (c *conn) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })

	select {
	case <-c.stopped:
	case <-time.After(c.writeTimeout):
	}
	c.close(websocket.CloseNormalClosure, "")
}

// flush writes whatever is still queued
func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// close sends a close frame with code and closes the socket, only the first call has an effect
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, text)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		}
		_ = c.ws.Close()
	})
}
