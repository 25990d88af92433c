package transport

import (
	"errors"

	"github.com/sushant-115/dtmd/internal/wire"
)

// rawConn is the minimal byte-pipe a Connection needs. Production code
// backs it with a non-blocking socket fd; tests back it with net.Pipe(),
// which is how spec.md §9's "inject a mock" recommendation is realized
// for the transport layer without standing up a real epoll loop.
type rawConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Channel identifies one logical client session multiplexed on a
// connection, per spec.md glossary.
type Channel struct {
	Conn int    // index of the owning Connection in the server's pool
	ID   uint32 // channel id, unique per connection
}

// Connection is one accepted socket: its buffers, its channel table, and
// its liveness flag. Connections are addressed by index, not pointer
// (spec.md §9's freelist-of-indices re-architecture), so a parked waiter
// referencing a dead connection's slot can never dangle.
type Connection struct {
	index int
	raw   rawConn
	good  bool

	in  *inputBuffer
	out *outputBuffer

	maxChannels int
	channels    []bool // occupied flags, index == channel id
}

func newConnection(index int, raw rawConn, bufSize, maxChannels int) *Connection {
	return &Connection{
		index:       index,
		raw:         raw,
		good:        true,
		in:          newInputBuffer(bufSize),
		out:         newOutputBuffer(bufSize),
		maxChannels: maxChannels,
		channels:    make([]bool, maxChannels),
	}
}

// Index is this connection's slot in the owning server's pool.
func (c *Connection) Index() int { return c.index }

// Good reports whether the connection is still usable.
func (c *Connection) Good() bool { return c.good }

func (c *Connection) markBad() { c.good = false }

// SendMessage buffers a complete frame in one shot: start, a single
// append, finish. The frame reaches the socket on the next Flush (or
// earlier, if the buffer has to make room). Most DTMd replies are small
// and fully known up front, so this is the common case built atop the
// incremental producer API.
func (c *Connection) SendMessage(code uint8, chanID uint32, payload []byte) error {
	if err := c.out.start(code, chanID, c.flush); err != nil {
		c.markBad()
		return err
	}
	if len(payload) > 0 {
		if err := c.out.append(payload, c.flush); err != nil {
			c.markBad()
			return err
		}
	}
	if err := c.out.finish(); err != nil {
		c.markBad()
		return err
	}
	return nil
}

// Writer returns an incremental frame builder for chanID, for replies
// assembled piece by piece (e.g. REQ_SNAPSHOT's xip list) rather than
// from one pre-built slice.
func (c *Connection) Writer(code uint8, chanID uint32) (*FrameWriter, error) {
	if err := c.out.start(code, chanID, c.flush); err != nil {
		c.markBad()
		return nil, err
	}
	return &FrameWriter{conn: c}, nil
}

// FrameWriter is the start/append/finish producer handle spec.md §4.1
// describes, scoped to a single in-progress message.
type FrameWriter struct {
	conn *Connection
}

func (w *FrameWriter) Append(p []byte) error {
	if err := w.conn.out.append(p, w.conn.flush); err != nil {
		w.conn.markBad()
		return err
	}
	return nil
}

func (w *FrameWriter) Finish() error {
	if err := w.conn.out.finish(); err != nil {
		w.conn.markBad()
		return err
	}
	return nil
}

// flush drains the output buffer to the raw connection, blocking until
// drained (spec.md §4.1 accepts this for the initial implementation).
func (c *Connection) flush() error {
	if err := c.out.flushTo(c.raw); err != nil {
		c.markBad()
		return err
	}
	return nil
}

// Flush is the exported form the event loop calls once per tick.
func (c *Connection) Flush() error {
	return c.flush()
}

// ErrChannelOutOfRange marks the connection bad, per spec.md §4.1's
// channel table sizing contract.
var ErrChannelOutOfRange = errors.New("transport: channel id out of range")

// touch marks chanID as seen, reporting whether it is new on this
// connection. It marks the connection bad on an out-of-range id.
func (c *Connection) touch(chanID uint32) (isNew bool, err error) {
	if chanID >= uint32(c.maxChannels) {
		c.markBad()
		return false, ErrChannelOutOfRange
	}
	isNew = !c.channels[chanID]
	c.channels[chanID] = true
	return isNew, nil
}

// release clears chanID's occupied flag (on MSG_DISCONNECT or when the
// connection itself is torn down).
func (c *Connection) release(chanID uint32) {
	if chanID < uint32(c.maxChannels) {
		c.channels[chanID] = false
	}
}

// liveChannels returns every channel id currently marked occupied, used
// when a connection dies so every live channel on it gets an
// onDisconnect callback (spec.md §4.1 read path).
func (c *Connection) liveChannels() []uint32 {
	var ids []uint32
	for id, occupied := range c.channels {
		if occupied {
			ids = append(ids, uint32(id))
		}
	}
	return ids
}

// Callbacks is the upper layer's capability set, implemented by the
// dispatcher — the re-architecture spec.md §9 recommends in place
// of raw onconnect/ondisconnect/onmessage function pointers.
type Callbacks interface {
	OnConnect(ch Channel)
	OnMessage(ch Channel, code uint8, payload []byte)
	OnDisconnect(ch Channel)
}

// handleReadable reads opportunistically into the input buffer and
// dispatches every complete frame found, per spec.md §4.1's read path:
// resolve (connection, channel), fire OnConnect the first time a
// channel-id is seen, then either OnDisconnect (MSG_DISCONNECT) or
// OnMessage.
func (c *Connection) handleReadable(cb Callbacks) {
	buf := c.in.free()
	if len(buf) == 0 {
		c.markBad()
		return
	}
	n, err := c.raw.Read(buf)
	if err != nil {
		c.markBad()
		return
	}
	if n == 0 {
		c.markBad()
		return
	}
	c.in.advance(n)

	extractErr := c.in.extractFrames(func(f frame) error {
		isNew, terr := c.touch(f.header.Channel)
		if terr != nil {
			return terr
		}
		ch := Channel{Conn: c.index, ID: f.header.Channel}
		if isNew {
			cb.OnConnect(ch)
		}
		if f.header.Code == wire.CodeDisconnect {
			cb.OnDisconnect(ch)
			c.release(f.header.Channel)
		} else {
			cb.OnMessage(ch, f.header.Code, f.payload)
		}
		return nil
	})
	if extractErr != nil {
		c.markBad()
	}
}
