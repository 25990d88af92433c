package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/dtmd/internal/coordinator"
	"github.com/sushant-115/dtmd/internal/transport"
	"github.com/sushant-115/dtmd/internal/wire"
	"github.com/sushant-115/dtmd/internal/xid"
)

type sentFrame struct {
	ch      transport.Channel
	code    uint8
	payload []byte
}

type fakeSender struct {
	sent []sentFrame
}

func (f *fakeSender) SendMessage(ch transport.Channel, code uint8, payload []byte) error {
	f.sent = append(f.sent, sentFrame{ch: ch, code: code, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeSender) Writer(ch transport.Channel, code uint8) (*transport.FrameWriter, error) {
	// Snapshot replies are exercised through a real Connection in the
	// transport package's own tests; dispatcher tests only need the
	// SendMessage path, so callers that need Writer build their own harness.
	return nil, nil
}

func newTestDispatcher() (*Dispatcher, *fakeSender) {
	coord := coordinator.New(coordinator.DefaultConfig())
	sender := &fakeSender{}
	d := New(coord, sender, zap.NewNop(), nil, Config{MaxPayloadSize: 4096})
	return d, sender
}

func startPayload(t *testing.T, participants ...xid.Participant) []byte {
	t.Helper()
	buf := wire.PutUint32(nil, uint32(len(participants)))
	for _, p := range participants {
		buf = wire.PutUint32(buf, uint32(p.Node))
		buf = wire.PutUint64(buf, uint64(p.LXID))
	}
	return buf
}

func TestHandleStartAssignsGxid(t *testing.T) {
	d, sender := newTestDispatcher()
	ch := transport.Channel{Conn: 0, ID: 1}

	d.OnMessage(ch, wire.CodeStart, startPayload(t, xid.Participant{Node: 1, LXID: 10}, xid.Participant{Node: 2, LXID: 20}))

	require.Len(t, sender.sent, 1)
	require.Equal(t, wire.CodeStart, sender.sent[0].code)
	r := wire.NewReader(sender.sent[0].payload)
	g, err := r.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1), g)
}

func TestHandleStartMalformedEmptyParticipants(t *testing.T) {
	d, sender := newTestDispatcher()
	ch := transport.Channel{Conn: 0, ID: 1}

	d.OnMessage(ch, wire.CodeStart, startPayload(t))

	require.Len(t, sender.sent, 1)
	require.Equal(t, wire.CodeError, sender.sent[0].code)
	require.Equal(t, byte(coordinator.ErrKindMalformedRequest), sender.sent[0].payload[0])
}

func TestHandleGetStatusUnknownXid(t *testing.T) {
	d, sender := newTestDispatcher()
	ch := transport.Channel{Conn: 0, ID: 1}

	d.OnMessage(ch, wire.CodeGetStatus, wire.PutUint64(nil, 999))

	require.Len(t, sender.sent, 1)
	require.Equal(t, wire.CodeError, sender.sent[0].code)
	require.Equal(t, byte(coordinator.ErrKindUnknownXid), sender.sent[0].payload[0])
}

func TestHandleSetStatusParksThenReleasesOnSecondVote(t *testing.T) {
	d, sender := newTestDispatcher()
	chA := transport.Channel{Conn: 0, ID: 1}
	chB := transport.Channel{Conn: 0, ID: 2}

	d.OnMessage(chA, wire.CodeStart, startPayload(t, xid.Participant{Node: 1, LXID: 10}, xid.Participant{Node: 2, LXID: 20}))
	r := wire.NewReader(sender.sent[0].payload)
	g, _ := r.Uint64()

	setStatusPayload := func(g uint64, node uint32, vote xid.Vote) []byte {
		buf := wire.PutUint64(nil, g)
		buf = wire.PutUint32(buf, node)
		buf = wire.PutUint8(buf, byte(vote))
		return buf
	}

	d.OnConnect(chA)
	d.OnMessage(chA, wire.CodeSetStatus, setStatusPayload(g, 1, xid.VoteCommit))
	require.Len(t, sender.sent, 1, "no reply yet: only one of two votes in")
	require.Equal(t, 1, d.registry.Len())

	d.OnConnect(chB)
	d.OnMessage(chB, wire.CodeSetStatus, setStatusPayload(g, 2, xid.VoteCommit))
	require.Len(t, sender.sent, 3, "second vote resolves the transaction and replies to both waiters (after the REQ_START reply)")
	require.Equal(t, wire.CodeSetStatus, sender.sent[1].code)
	require.Equal(t, byte(xid.Committed), sender.sent[1].payload[0])
	require.Empty(t, d.parkedBy, "waiters are cleared once released")
	stateA, ok := d.registry.State(chA)
	require.True(t, ok)
	require.Empty(t, stateA.pending)
}

func TestDisconnectUnparksWithoutReply(t *testing.T) {
	d, sender := newTestDispatcher()
	chA := transport.Channel{Conn: 0, ID: 1}

	d.OnMessage(chA, wire.CodeStart, startPayload(t, xid.Participant{Node: 1, LXID: 10}, xid.Participant{Node: 2, LXID: 20}))
	r := wire.NewReader(sender.sent[0].payload)
	g, _ := r.Uint64()

	d.OnConnect(chA)
	d.OnMessage(chA, wire.CodeSetStatus, func() []byte {
		buf := wire.PutUint64(nil, g)
		buf = wire.PutUint32(buf, 1)
		buf = wire.PutUint8(buf, byte(xid.VoteCommit))
		return buf
	}())
	require.Len(t, sender.sent, 1)

	d.OnDisconnect(chA)
	require.Len(t, sender.sent, 1, "disconnect must not synthesize a reply")
	require.Empty(t, d.parkedBy)
}

func TestRateLimiterDelaysRatherThanRejects(t *testing.T) {
	coord := coordinator.New(coordinator.DefaultConfig())
	sender := &fakeSender{}
	d := New(coord, sender, zap.NewNop(), nil, Config{MaxPayloadSize: 4096, MaxRequestsPerSec: 200})
	ch := transport.Channel{Conn: 0, ID: 1}

	start := time.Now()
	d.OnMessage(ch, wire.CodeGetStatus, wire.PutUint64(nil, 1))
	d.OnMessage(ch, wire.CodeGetStatus, wire.PutUint64(nil, 1))
	elapsed := time.Since(start)

	require.Len(t, sender.sent, 2, "a throttled request still gets processed, just later")
	for _, f := range sender.sent {
		require.Equal(t, wire.CodeError, f.code)
		require.Equal(t, byte(coordinator.ErrKindUnknownXid), f.payload[0], "throttling must not itself produce an error reply")
	}
	require.GreaterOrEqual(t, elapsed, 2*time.Millisecond, "second request should have waited out the rate budget")
}
