// Package coordinator implements the DTMd global-transaction state
// machine: the gxid table, snapshot generation, vote tallying and the
// parked-waiter bookkeeping described in spec.md §4.3.
//
// Every exported method is meant to be called from a single goroutine —
// the event loop — and carries no internal locking. That is a deliberate
// design choice (spec.md §5), not an oversight: the coordinator's
// invariants (monotonic gxid, totally-ordered snapshots, exactly-once
// waiter release) hold trivially when all mutation is serialized by the
// caller.
package coordinator

import "github.com/sushant-115/dtmd/internal/xid"

// Config bounds the coordinator's memory footprint.
type Config struct {
	// MaxTransactions caps the number of entries (in-progress plus
	// retained-terminal) the table may hold at once.
	MaxTransactions int
	// Retention is how many terminal transactions are kept around (for
	// late REQ_GETSTATUS/REQ_SNAPSHOT lookups) before the oldest ones
	// are pruned to make room. 0 disables retention: terminal
	// transactions are pruned as soon as the table needs the space.
	Retention int
}

// DefaultConfig matches the values the reference implementation's fixed
// array sizes effectively impose.
func DefaultConfig() Config {
	return Config{MaxTransactions: 1 << 20, Retention: 1 << 16}
}

// Coordinator owns the global-transaction table exclusively.
type Coordinator struct {
	cfg Config

	transactions map[xid.GXID]*globalXid
	nextGXID     xid.GXID

	// retained holds gxids of terminal transactions in termination
	// order, oldest first, for bounded retention pruning.
	retained []xid.GXID
}

func New(cfg Config) *Coordinator {
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = DefaultConfig().MaxTransactions
	}
	return &Coordinator{
		cfg:          cfg,
		transactions: make(map[xid.GXID]*globalXid),
		nextGXID:     1,
	}
}

// StartTransaction assigns a fresh gxid to the participant set and
// inserts it as InProgress. The assignment and insertion happen in the
// same call that is visible to GetSnapshot, so no snapshot can observe a
// gap in the live set (spec.md §4.3.3).
func (c *Coordinator) StartTransaction(participants []xid.Participant) (xid.GXID, error) {
	if len(participants) == 0 {
		return 0, ErrMalformedRequest
	}

	seen := make(map[xid.NodeID]struct{}, len(participants))
	for _, p := range participants {
		if _, dup := seen[p.Node]; dup {
			return 0, ErrMalformedRequest
		}
		seen[p.Node] = struct{}{}
	}

	if len(c.transactions) >= c.cfg.MaxTransactions {
		if !c.pruneOne() {
			return 0, ErrCapacityExhausted
		}
	}

	g := c.nextGXID
	c.nextGXID++

	c.transactions[g] = &globalXid{
		gxid:          g,
		participants:  append([]xid.Participant(nil), participants...),
		participantOf: seen,
		status:        xid.InProgress,
		votesNeeded:   len(participants),
		votes:         make(map[xid.NodeID]xid.Vote, len(participants)),
	}
	return g, nil
}

// GetSnapshot derives a snapshot from the coordinator's live set, per
// spec.md §3/§4.3.2. requester is excluded from xip (it is the caller's
// own transaction and never counts as part of what it observes).
func (c *Coordinator) GetSnapshot(requester xid.GXID) (Snapshot, error) {
	if _, ok := c.transactions[requester]; !ok {
		return Snapshot{}, errUnknownXid(requester)
	}

	xip := make([]xid.GXID, 0, len(c.transactions))
	for g, txn := range c.transactions {
		if g == requester {
			continue
		}
		if txn.status == xid.InProgress {
			xip = append(xip, g)
		}
	}

	xmax := c.nextGXID
	xmin := xmax
	if requester < xmin {
		xmin = requester
	}
	for _, g := range xip {
		if g < xmin {
			xmin = g
		}
	}

	return Snapshot{XMin: xmin, XMax: xmax, Xip: xip}, nil
}

// GetStatus returns the current status without parking the caller.
func (c *Coordinator) GetStatus(g xid.GXID) (xid.Status, error) {
	txn, ok := c.transactions[g]
	if !ok {
		return 0, errUnknownXid(g)
	}
	return txn.status, nil
}

// SetStatus tallies node's vote on g. If the transaction is not yet
// terminal after the vote, waiter is recorded and no notification is
// sent — the caller (dispatcher) must not reply yet. If the transaction
// is (or becomes) terminal, every waiter parked on it, including waiter,
// is released through notifier.NotifyTerminal exactly once, synchronously,
// before SetStatus returns.
func (c *Coordinator) SetStatus(g xid.GXID, node xid.NodeID, vote xid.Vote, waiter WaiterID, notifier Notifier) error {
	txn, ok := c.transactions[g]
	if !ok {
		return errUnknownXid(g)
	}

	if _, voted := txn.votes[node]; voted {
		return errDuplicateVote(node, g)
	}
	if _, isParticipant := txn.participantOf[node]; !isParticipant {
		return ErrMalformedRequest
	}

	txn.votes[node] = vote
	if vote == xid.VoteAbort {
		txn.anyAbort = true
	}

	if !txn.status.Terminal() {
		if txn.anyAbort {
			txn.status = xid.Aborted
		} else if txn.votesReceived() == txn.votesNeeded {
			txn.status = xid.Committed
		}
		if txn.status.Terminal() {
			c.retained = append(c.retained, g)
		}
	}

	txn.waiters = append(txn.waiters, waiter)

	if txn.status.Terminal() {
		released := txn.waiters
		txn.waiters = nil
		for _, w := range released {
			notifier.NotifyTerminal(w, g, txn.status)
		}
		c.enforceRetention()
	}
	return nil
}

// eligibleForPrune reports whether txn may be dropped from the table: it
// must be terminal, have answered every waiter currently parked on it,
// and have heard from every original participant — otherwise a
// still-expected late vote (spec.md §8 scenario S3) would hit UnknownXid
// instead of replaying the terminal status.
func eligibleForPrune(txn *globalXid) bool {
	return txn.status.Terminal() && len(txn.waiters) == 0 && txn.votesReceived() >= txn.votesNeeded
}

// enforceRetention trims the retained list down to cfg.Retention entries,
// oldest first, pruning only those eligible.
func (c *Coordinator) enforceRetention() {
	if c.cfg.Retention <= 0 {
		return
	}
	for len(c.retained) > c.cfg.Retention {
		g := c.retained[0]
		txn, ok := c.transactions[g]
		if !ok || !eligibleForPrune(txn) {
			break
		}
		c.retained = c.retained[1:]
		delete(c.transactions, g)
	}
}

// Unpark removes waiter from g's waiter list without touching the vote
// tally, for when the parked connection drops before the decision
// (spec.md §4.3 "tie-breaks and edge cases").
func (c *Coordinator) Unpark(g xid.GXID, waiter WaiterID) {
	txn, ok := c.transactions[g]
	if !ok {
		return
	}
	for i, w := range txn.waiters {
		if w == waiter {
			txn.waiters = append(txn.waiters[:i], txn.waiters[i+1:]...)
			return
		}
	}
}

// pruneOne evicts the oldest retained terminal transaction, if any, to
// make room for a new one. Reports whether it freed a slot.
func (c *Coordinator) pruneOne() bool {
	for len(c.retained) > 0 {
		g := c.retained[0]
		c.retained = c.retained[1:]
		txn, ok := c.transactions[g]
		if !ok {
			continue
		}
		if !eligibleForPrune(txn) {
			continue
		}
		delete(c.transactions, g)
		return true
	}
	return false
}

// Len reports the number of transactions currently tracked, for metrics.
func (c *Coordinator) Len() int {
	return len(c.transactions)
}
