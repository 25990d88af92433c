package transport

import (
	"fmt"

	"go.uber.org/zap"
)

// Sender is how the dispatcher replies to a channel without depending on
// the concrete event-loop implementation (epoll vs a test harness).
type Sender interface {
	SendMessage(ch Channel, code uint8, payload []byte) error
	Writer(ch Channel, code uint8) (*FrameWriter, error)
}

// Config bounds the transport's resource usage, matching spec.md §6/§4.1.
type Config struct {
	Host string
	Port int

	MaxConnections int // 0 = unbounded
	BufferSize     int // per-connection input/output buffer capacity
	MaxChannels    int // per-connection channel table size
	ListenBacklog  int
	SocketBufSize  int // SO_SNDBUF/SO_RCVBUF
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1 << 16
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = 256
	}
	if c.ListenBacklog <= 0 {
		c.ListenBacklog = 128
	}
	if c.SocketBufSize <= 0 {
		c.SocketBufSize = 1 << 16
	}
	return c
}

// core holds everything about the transport that does not depend on how
// readiness is actually delivered (epoll, kqueue, a portable poll
// fallback, or a test harness): the connection pool, the bad-connection
// reaper, and the per-tick flush. The platform-specific event loop
// (epoll_linux.go) drives it.
type core struct {
	cfg  Config
	pool *pool
	cb   Callbacks
	log  *zap.Logger
}

func newCore(cfg Config, cb Callbacks, log *zap.Logger) *core {
	return &core{cfg: cfg.withDefaults(), pool: newPool(), cb: cb, log: log}
}

// SetCallbacks rebinds the callback set. It exists so a caller can
// construct the transport and the dispatcher in either order when the
// dispatcher itself needs a Sender backed by this server — safe to call
// any time before Run, since callbacks are only ever invoked from within
// the Run loop.
func (c *core) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// accept wraps a freshly-accepted raw connection in a pool slot, or
// closes it immediately if the server is at its connection limit.
func (c *core) accept(raw rawConn) (idx int, accepted bool) {
	idx, ok := c.pool.acquire(raw, c.cfg.BufferSize, c.cfg.MaxChannels, c.cfg.MaxConnections)
	if !ok {
		raw.Close()
		return 0, false
	}
	return idx, true
}

// handleReadable services one ready connection.
func (c *core) handleReadable(idx int) {
	conn, ok := c.pool.get(idx)
	if !ok {
		return
	}
	conn.handleReadable(c.cb)
}

// reapBad destroys every connection marked bad, notifying OnDisconnect
// for each channel still live on it, and returns its slot to the
// freelist — run once at the end of every tick (spec.md §4.1).
func (c *core) reapBad(unregister func(*Connection)) {
	var dead []int
	c.pool.live(func(conn *Connection) {
		if !conn.Good() {
			dead = append(dead, conn.index)
		}
	})
	for _, idx := range dead {
		conn, ok := c.pool.get(idx)
		if !ok {
			continue
		}
		for _, chID := range conn.liveChannels() {
			c.cb.OnDisconnect(Channel{Conn: idx, ID: chID})
		}
		unregister(conn)
		conn.raw.Close()
		c.pool.release(idx)
	}
}

// flushAll flushes every live connection's output buffer, once per tick.
func (c *core) flushAll() {
	c.pool.live(func(conn *Connection) {
		if conn.Good() {
			if err := conn.Flush(); err != nil {
				c.log.Debug("flush failed, connection marked bad", zap.Int("conn", conn.index), zap.Error(err))
			}
		}
	})
}

// ActiveConnections reports the live connection count, for metrics.
func (c *core) ActiveConnections() int {
	return c.pool.count()
}

// SendMessage looks up ch's connection and writes a complete reply frame
// to it, for the dispatcher to call from an OnMessage/OnConnect handler
// or from a coordinator.Notifier callback.
func (c *core) SendMessage(ch Channel, code uint8, payload []byte) error {
	conn, ok := c.pool.get(ch.Conn)
	if !ok {
		return fmt.Errorf("transport: connection %d not found", ch.Conn)
	}
	return conn.SendMessage(code, ch.ID, payload)
}

// Writer returns an incremental frame builder for ch.
func (c *core) Writer(ch Channel, code uint8) (*FrameWriter, error) {
	conn, ok := c.pool.get(ch.Conn)
	if !ok {
		return nil, fmt.Errorf("transport: connection %d not found", ch.Conn)
	}
	return conn.Writer(code, ch.ID)
}
