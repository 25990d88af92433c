package coordinator

import "github.com/sushant-115/dtmd/internal/xid"

// WaiterID is an opaque token minted by the dispatcher for each parked
// REQ_SETSTATUS call. The coordinator never interprets it beyond using it
// as a map/slice key handed back to the Notifier on release.
type WaiterID uint64

// Notifier is how the coordinator hands a terminal decision back to
// whatever parked the call. Implemented by the dispatcher; the coordinator
// itself never touches a socket. NotifyTerminal is always called
// synchronously from within the SetStatus call that made (or found) the
// transaction terminal, never from a separate goroutine.
type Notifier interface {
	NotifyTerminal(waiter WaiterID, g xid.GXID, status xid.Status)
}

// globalXid is the coordinator's private record of one global transaction.
// Field names mirror spec.md §3's GlobalXid entity.
type globalXid struct {
	gxid          xid.GXID
	participants  []xid.Participant
	participantOf map[xid.NodeID]struct{}
	status        xid.Status
	votesNeeded   int
	votes         map[xid.NodeID]xid.Vote
	anyAbort      bool
	waiters       []WaiterID
}

func (g *globalXid) votesReceived() int {
	return len(g.votes)
}

// Snapshot is the immutable (xmin, xmax, xip) triple returned by
// REQ_SNAPSHOT, per spec.md §3/§4.3.
type Snapshot struct {
	XMin xid.GXID
	XMax xid.GXID
	Xip  []xid.GXID
}
