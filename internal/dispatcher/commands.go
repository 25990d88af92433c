package dispatcher

import (
	"github.com/sushant-115/dtmd/internal/coordinator"
	"github.com/sushant-115/dtmd/internal/transport"
	"github.com/sushant-115/dtmd/internal/wire"
	"github.com/sushant-115/dtmd/internal/xid"
)

// handleStart parses REQ_START: u32 n, then n × (u32 node, u64 lxid), and
// replies with the assigned gxid (spec.md §6).
func (d *Dispatcher) handleStart(ch transport.Channel, payload []byte) {
	r := wire.NewReader(payload)
	n, err := r.Uint32()
	if err != nil {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}

	participants := make([]xid.Participant, 0, n)
	for i := uint32(0); i < n; i++ {
		node, err := r.Uint32()
		if err != nil {
			d.replyError(ch, coordinator.ErrKindMalformedRequest)
			return
		}
		lxid, err := r.Uint64()
		if err != nil {
			d.replyError(ch, coordinator.ErrKindMalformedRequest)
			return
		}
		participants = append(participants, xid.Participant{Node: xid.NodeID(node), LXID: xid.LocalXID(lxid)})
	}
	if !r.Done() {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}

	g, err := d.coord.StartTransaction(participants)
	if err != nil {
		d.replyCoordinatorErr(ch, err)
		return
	}
	d.metrics.TransactionStarted()

	if err := d.sender.SendMessage(ch, wire.CodeStart, wire.PutUint64(nil, uint64(g))); err != nil {
		d.log.Debug("failed to send REQ_START reply")
	}
}

// handleSnapshot parses REQ_SNAPSHOT: u64 gxid, and replies with
// u64 xmin, u64 xmax, u32 n, n × u64 xip, built incrementally through the
// FrameWriter producer API so the xip list never needs a second buffer
// (spec.md §9's start/append/finish contract).
func (d *Dispatcher) handleSnapshot(ch transport.Channel, payload []byte) {
	r := wire.NewReader(payload)
	gv, err := r.Uint64()
	if err != nil || !r.Done() {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}

	snap, err := d.coord.GetSnapshot(xid.GXID(gv))
	if err != nil {
		d.replyCoordinatorErr(ch, err)
		return
	}

	w, err := d.sender.Writer(ch, wire.CodeSnapshot)
	if err != nil {
		d.log.Debug("failed to open REQ_SNAPSHOT reply writer")
		return
	}
	if err := w.Append(wire.PutUint64(nil, uint64(snap.XMin))); err != nil {
		return
	}
	if err := w.Append(wire.PutUint64(nil, uint64(snap.XMax))); err != nil {
		return
	}
	if err := w.Append(wire.PutUint32(nil, uint32(len(snap.Xip)))); err != nil {
		return
	}
	for _, g := range snap.Xip {
		if err := w.Append(wire.PutUint64(nil, uint64(g))); err != nil {
			return
		}
	}
	if err := w.Finish(); err != nil {
		d.log.Debug("failed to finish REQ_SNAPSHOT reply")
	}
}

// handleSetStatus parses REQ_SETSTATUS: u64 gxid, u32 node, u8 vote.
//
// spec.md §4.3's prose ties duplicate-vote detection to "the NodeId
// carried in the vote message", but §6's payload table for REQ_SETSTATUS
// lists only gxid and vote. The two are inconsistent: a channel has no
// other way to say which participant it is voting for, so the node field
// is kept on the wire here; see DESIGN.md for the recorded decision.
//
// The waiter is registered with the dispatcher before the coordinator
// call returns, because a terminal SetStatus calls back into
// NotifyTerminal synchronously from within that same call.
func (d *Dispatcher) handleSetStatus(ch transport.Channel, payload []byte) {
	r := wire.NewReader(payload)
	gv, err := r.Uint64()
	if err != nil {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}
	nodeV, err := r.Uint32()
	if err != nil {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}
	voteV, err := r.Uint8()
	if err != nil || !r.Done() {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}
	vote := xid.Vote(voteV)
	if !vote.Valid() {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}

	g := xid.GXID(gv)
	w := d.nextWaiter
	d.nextWaiter++
	d.parkedBy[w] = ch
	d.metrics.WaitersParked(1)

	if err := d.coord.SetStatus(g, xid.NodeID(nodeV), vote, w, d); err != nil {
		delete(d.parkedBy, w)
		d.metrics.WaitersParked(-1)
		d.replyCoordinatorErr(ch, err)
		return
	}

	// Still present means SetStatus did not resolve the transaction and
	// therefore never called NotifyTerminal; record the park so a later
	// disconnect can Unpark it.
	if _, stillParked := d.parkedBy[w]; stillParked {
		if state, ok := d.registry.State(ch); ok {
			state.pending[w] = g
		}
	}
}

// handleGetStatus parses REQ_GETSTATUS: u64 gxid, and replies with the
// current status immediately — it never parks (spec.md §4.3).
func (d *Dispatcher) handleGetStatus(ch transport.Channel, payload []byte) {
	r := wire.NewReader(payload)
	gv, err := r.Uint64()
	if err != nil || !r.Done() {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}

	status, err := d.coord.GetStatus(xid.GXID(gv))
	if err != nil {
		d.replyCoordinatorErr(ch, err)
		return
	}
	if err := d.sender.SendMessage(ch, wire.CodeGetStatus, []byte{byte(status)}); err != nil {
		d.log.Debug("failed to send REQ_GETSTATUS reply")
	}
}
