package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const outboundQueueSize = 64

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

// clientConn wraps a websocket connection with a buffered outbound queue
// drained by a single writer goroutine. Frames go out in enqueue order and a
// slow receiver only ever delays its own queue.
type clientConn struct {
	rawConn *websocket.Conn
	out     chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(rawConn *websocket.Conn) *clientConn {
	c := &clientConn{
		rawConn: rawConn,
		out:     make(chan []byte, outboundQueueSize),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// SendText satisfies room.Conn. It queues without blocking; a full queue or a
// closed connection drops the frame, there is no delivery guarantee.
func (c *clientConn) SendText(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errQueueFull
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case data := <-c.out:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.rawConn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close stops the writer and tears the socket down; idempotent.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.rawConn.Close()
	})
}
