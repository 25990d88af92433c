package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/dtmd/internal/wire"
)

type recordedCall struct {
	kind    string // "connect", "message", "disconnect"
	channel Channel
	code    uint8
	payload []byte
}

type fakeCallbacks struct {
	calls []recordedCall
}

func (f *fakeCallbacks) OnConnect(ch Channel) {
	f.calls = append(f.calls, recordedCall{kind: "connect", channel: ch})
}

func (f *fakeCallbacks) OnMessage(ch Channel, code uint8, payload []byte) {
	cp := append([]byte(nil), payload...)
	f.calls = append(f.calls, recordedCall{kind: "message", channel: ch, code: code, payload: cp})
}

func (f *fakeCallbacks) OnDisconnect(ch Channel) {
	f.calls = append(f.calls, recordedCall{kind: "disconnect", channel: ch})
}

func newPipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return newConnection(0, server, 4096, 8), client
}

func writeFrame(t *testing.T, w net.Conn, code uint8, chanID uint32, payload []byte) {
	t.Helper()
	buf := make([]byte, wire.HeaderSize+len(payload))
	wire.EncodeHeader(buf, wire.Header{Size: uint32(len(payload)), Code: code, Channel: chanID})
	copy(buf[wire.HeaderSize:], payload)
	_, err := w.Write(buf)
	require.NoError(t, err)
}

func TestHandleReadableDispatchesNewChannelAndMessage(t *testing.T) {
	conn, client := newPipeConnection(t)
	cb := &fakeCallbacks{}

	done := make(chan struct{})
	go func() {
		writeFrame(t, client, wire.CodeGetStatus, 5, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		close(done)
	}()

	conn.handleReadable(cb)
	<-done

	require.True(t, conn.Good())
	require.Len(t, cb.calls, 2)
	require.Equal(t, "connect", cb.calls[0].kind)
	require.Equal(t, Channel{Conn: 0, ID: 5}, cb.calls[0].channel)
	require.Equal(t, "message", cb.calls[1].kind)
	require.Equal(t, wire.CodeGetStatus, cb.calls[1].code)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, cb.calls[1].payload)
}

func TestHandleReadableDisconnectReleasesChannel(t *testing.T) {
	conn, client := newPipeConnection(t)
	cb := &fakeCallbacks{}

	done := make(chan struct{})
	go func() {
		writeFrame(t, client, wire.CodeGetStatus, 2, []byte{0})
		close(done)
	}()
	conn.handleReadable(cb)
	<-done
	require.True(t, conn.channels[2])

	done2 := make(chan struct{})
	go func() {
		writeFrame(t, client, wire.CodeDisconnect, 2, nil)
		close(done2)
	}()
	conn.handleReadable(cb)
	<-done2

	require.False(t, conn.channels[2])
	last := cb.calls[len(cb.calls)-1]
	require.Equal(t, "disconnect", last.kind)
	require.Equal(t, uint32(2), last.channel.ID)
}

func TestHandleReadableOutOfRangeChannelMarksBad(t *testing.T) {
	conn, client := newPipeConnection(t)
	cb := &fakeCallbacks{}

	done := make(chan struct{})
	go func() {
		writeFrame(t, client, wire.CodeGetStatus, 99, []byte{0})
		close(done)
	}()
	conn.handleReadable(cb)
	<-done

	require.False(t, conn.Good())
}

func TestSendMessageRoundTrip(t *testing.T) {
	conn, client := newPipeConnection(t)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		require.NoError(t, err)
		readDone <- buf[:n]
	}()

	payload := []byte{9, 9, 9}
	err := conn.SendMessage(wire.CodeSnapshot, 3, payload)
	require.NoError(t, err)

	got := <-readDone
	h, err := wire.DecodeHeader(got)
	require.NoError(t, err)
	require.Equal(t, wire.CodeSnapshot, h.Code)
	require.Equal(t, uint32(3), h.Channel)
	require.Equal(t, uint32(len(payload)), h.Size)
	require.Equal(t, payload, got[wire.HeaderSize:])
}

func TestFrameWriterIncrementalAppend(t *testing.T) {
	conn, client := newPipeConnection(t)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		require.NoError(t, err)
		readDone <- buf[:n]
	}()

	w, err := conn.Writer(wire.CodeSnapshot, 1)
	require.NoError(t, err)
	require.NoError(t, w.Append(wire.PutUint64(nil, 1)))
	require.NoError(t, w.Append(wire.PutUint64(nil, 2)))
	require.NoError(t, w.Finish())
	require.NoError(t, conn.Flush())

	got := <-readDone
	h, err := wire.DecodeHeader(got)
	require.NoError(t, err)
	require.Equal(t, uint32(16), h.Size)
}

func TestPoolReapReleasesSlot(t *testing.T) {
	p := newPool()
	_, client1 := net.Pipe()
	defer client1.Close()
	idx, ok := p.acquire(client1, 4096, 8, 0)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	conn, ok := p.get(idx)
	require.True(t, ok)
	conn.markBad()

	p.release(idx)
	_, ok = p.get(idx)
	require.False(t, ok)

	_, client2 := net.Pipe()
	defer client2.Close()
	idx2, ok := p.acquire(client2, 4096, 8, 0)
	require.True(t, ok)
	require.Equal(t, 0, idx2, "freed slot is recycled before growing the pool")
}

func TestPoolConnectionLimit(t *testing.T) {
	p := newPool()
	_, c1 := net.Pipe()
	defer c1.Close()
	_, ok := p.acquire(c1, 4096, 8, 1)
	require.True(t, ok)

	_, c2 := net.Pipe()
	defer c2.Close()
	_, ok = p.acquire(c2, 4096, 8, 1)
	require.False(t, ok)
}
