package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/dtmd/internal/xid"
)

// recordingNotifier captures every terminal notification it receives, in
// call order, so tests can assert exactly-once delivery and status.
type recordingNotifier struct {
	calls []call
}

type call struct {
	waiter WaiterID
	gxid   xid.GXID
	status xid.Status
}

func (n *recordingNotifier) NotifyTerminal(w WaiterID, g xid.GXID, status xid.Status) {
	n.calls = append(n.calls, call{w, g, status})
}

func (n *recordingNotifier) statusFor(w WaiterID) (xid.Status, bool) {
	for _, c := range n.calls {
		if c.waiter == w {
			return c.status, true
		}
	}
	return 0, false
}

func newTestCoordinator() *Coordinator {
	return New(Config{MaxTransactions: 16, Retention: 16})
}

// S1 — single-node commit.
func TestSingleNodeCommit(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	g, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 100}})
	require.NoError(t, err)
	require.Equal(t, xid.GXID(1), g)

	require.NoError(t, c.SetStatus(g, 0, xid.VoteCommit, 1, n))
	status, ok := n.statusFor(1)
	require.True(t, ok)
	require.Equal(t, xid.Committed, status)

	got, err := c.GetStatus(g)
	require.NoError(t, err)
	require.Equal(t, xid.Committed, got)
}

// S2 — two-node commit: neither reply arrives until both vote.
func TestTwoNodeCommitBothParked(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	g, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 100}, {Node: 1, LXID: 200}})
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(g, 0, xid.VoteCommit, 10, n))
	require.Empty(t, n.calls, "no reply until all participants vote")

	status, err := c.GetStatus(g)
	require.NoError(t, err)
	require.Equal(t, xid.InProgress, status)

	require.NoError(t, c.SetStatus(g, 1, xid.VoteCommit, 11, n))
	require.Len(t, n.calls, 2)

	s0, ok := n.statusFor(10)
	require.True(t, ok)
	require.Equal(t, xid.Committed, s0)
	s1, ok := n.statusFor(11)
	require.True(t, ok)
	require.Equal(t, xid.Committed, s1)
}

// S3 — abort short-circuits; a late commit still replays Aborted.
func TestAbortShortCircuits(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	g, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 100}, {Node: 1, LXID: 200}})
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(g, 0, xid.VoteAbort, 20, n))
	status, ok := n.statusFor(20)
	require.True(t, ok)
	require.Equal(t, xid.Aborted, status)

	require.NoError(t, c.SetStatus(g, 1, xid.VoteCommit, 21, n))
	status, ok = n.statusFor(21)
	require.True(t, ok)
	require.Equal(t, xid.Aborted, status)
}

// S4 — snapshot exclusion.
func TestSnapshotExclusion(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	t1, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 1}, {Node: 1, LXID: 2}})
	require.NoError(t, err)
	t2, err := c.StartTransaction([]xid.Participant{{Node: 2, LXID: 3}})
	require.NoError(t, err)

	snap, err := c.GetSnapshot(t2)
	require.NoError(t, err)
	require.ElementsMatch(t, []xid.GXID{t1}, snap.Xip)
	require.Equal(t, xid.GXID(3), snap.XMax)
	require.Equal(t, xid.GXID(1), snap.XMin)

	require.NoError(t, c.SetStatus(t1, 0, xid.VoteCommit, 1, n))
	require.NoError(t, c.SetStatus(t1, 1, xid.VoteCommit, 2, n))

	snap, err = c.GetSnapshot(t2)
	require.NoError(t, err)
	require.Empty(t, snap.Xip)
	require.Equal(t, xid.GXID(3), snap.XMax)
	require.Equal(t, xid.GXID(2), snap.XMin)
}

// S5 — unknown xid.
func TestUnknownXid(t *testing.T) {
	c := newTestCoordinator()
	_, err := c.GetStatus(99999)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrKindUnknownXid, cerr.Kind)
}

// S6 — duplicate vote.
func TestDuplicateVote(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	g, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 100}, {Node: 1, LXID: 200}})
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(g, 0, xid.VoteCommit, 1, n))
	require.Empty(t, n.calls)

	err = c.SetStatus(g, 0, xid.VoteCommit, 2, n)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrKindDuplicateVote, cerr.Kind)

	status, err := c.GetStatus(g)
	require.NoError(t, err)
	require.Equal(t, xid.InProgress, status, "transaction remains InProgress")
}

func TestStartRejectsEmptyOrDuplicateParticipants(t *testing.T) {
	c := newTestCoordinator()

	_, err := c.StartTransaction(nil)
	require.ErrorIs(t, err, ErrMalformedRequest)

	_, err = c.StartTransaction([]xid.Participant{{Node: 0, LXID: 1}, {Node: 0, LXID: 2}})
	require.ErrorIs(t, err, ErrMalformedRequest)
}

func TestMonotonicGxid(t *testing.T) {
	c := newTestCoordinator()
	var prev xid.GXID
	for i := 0; i < 10; i++ {
		g, err := c.StartTransaction([]xid.Participant{{Node: xid.NodeID(i), LXID: xid.LocalXID(i)}})
		require.NoError(t, err)
		require.Greater(t, g, prev)
		prev = g
	}
}

func TestDisconnectDoesNotAlterTally(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	g, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 1}, {Node: 1, LXID: 2}})
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(g, 0, xid.VoteCommit, 1, n))
	c.Unpark(g, 1)
	require.Empty(t, n.calls)

	status, err := c.GetStatus(g)
	require.NoError(t, err)
	require.Equal(t, xid.InProgress, status)

	require.NoError(t, c.SetStatus(g, 1, xid.VoteCommit, 2, n))
	require.Len(t, n.calls, 1, "the disconnected waiter is never notified")
	s, ok := n.statusFor(2)
	require.True(t, ok)
	require.Equal(t, xid.Committed, s)
}

func TestCapacityExhausted(t *testing.T) {
	c := New(Config{MaxTransactions: 1, Retention: 0})

	_, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 1}})
	require.NoError(t, err)

	_, err = c.StartTransaction([]xid.Participant{{Node: 1, LXID: 2}})
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrKindCapacityExhausted, cerr.Kind)
}

func TestVoteFromNonParticipantRejected(t *testing.T) {
	c := newTestCoordinator()
	n := &recordingNotifier{}

	g, err := c.StartTransaction([]xid.Participant{{Node: 0, LXID: 1}})
	require.NoError(t, err)

	err = c.SetStatus(g, 7, xid.VoteCommit, 1, n)
	require.ErrorIs(t, err, ErrMalformedRequest)
}
