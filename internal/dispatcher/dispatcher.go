// Package dispatcher parses inbound frames into coordinator calls and
// produces replies, implementing spec.md §4.4. It is the glue between
// the wire-level transport.Callbacks contract and the coordinator state
// machine: it owns no connection or socket state itself.
package dispatcher

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/dtmd/internal/coordinator"
	"github.com/sushant-115/dtmd/internal/registry"
	"github.com/sushant-115/dtmd/internal/transport"
	"github.com/sushant-115/dtmd/internal/wire"
	"github.com/sushant-115/dtmd/internal/xid"
)

// Metrics is the small set of counters/gauges the dispatcher reports,
// implemented by pkg/telemetry without the dispatcher importing it
// directly (keeps the coordinator/dispatcher core free of OTel types).
type Metrics interface {
	TransactionStarted()
	TransactionCommitted()
	TransactionAborted()
	RequestProcessed(code uint8)
	RequestThrottled()
	RequestRejected(kind coordinator.ErrorKind)
	WaitersParked(delta int)
}

type noopMetrics struct{}

func (noopMetrics) TransactionStarted()             {}
func (noopMetrics) TransactionCommitted()            {}
func (noopMetrics) TransactionAborted()              {}
func (noopMetrics) RequestProcessed(uint8)           {}
func (noopMetrics) RequestThrottled()                {}
func (noopMetrics) RequestRejected(coordinator.ErrorKind) {}
func (noopMetrics) WaitersParked(int)                {}

// channelState is the opaque per-channel state the registry arena holds:
// every REQ_SETSTATUS this channel currently has parked, keyed by the
// WaiterID minted for it. Almost always has at most one entry, since the
// C client shim this daemon serves waits for its reply before issuing
// another vote, but the protocol does not forbid pipelining so the
// dispatcher tracks a set rather than a single value.
type channelState struct {
	pending map[coordinator.WaiterID]xid.GXID
}

// Dispatcher implements transport.Callbacks and coordinator.Notifier. It
// is the only thing that ever calls into the Coordinator, and it always
// does so from whatever goroutine the transport's event loop runs on —
// there is exactly one such goroutine (spec.md §5).
type Dispatcher struct {
	coord    *coordinator.Coordinator
	sender   transport.Sender
	log      *zap.Logger
	metrics  Metrics
	limiter  *rate.Limiter
	maxMsg   int

	registry  *registry.Registry[channelState]
	parkedBy  map[coordinator.WaiterID]transport.Channel
	nextWaiter coordinator.WaiterID
}

// Config configures dispatcher-level resource policy (spec.md §4.4, plus
// the rate-budget ambient addition from SPEC_FULL.md §3).
type Config struct {
	MaxPayloadSize     int
	MaxRequestsPerSec  float64 // 0 = unbounded
}

func New(coord *coordinator.Coordinator, sender transport.Sender, log *zap.Logger, metrics Metrics, cfg Config) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	var limiter *rate.Limiter
	if cfg.MaxRequestsPerSec > 0 {
		// Burst of 1: the budget is a steady drip, not a bucket callers can
		// bank up and spend in a spike (SPEC_FULL.md §4.4).
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSec), 1)
	}
	d := &Dispatcher{
		coord:      coord,
		sender:     sender,
		log:        log,
		metrics:    metrics,
		limiter:    limiter,
		maxMsg:     cfg.MaxPayloadSize,
		parkedBy:   make(map[coordinator.WaiterID]transport.Channel),
		nextWaiter: 1,
	}
	d.registry = registry.New[channelState](d)
	return d
}

// ActiveChannels reports the number of registered (connection, channel)
// pairs, for the "channels active" gauge (SPEC_FULL.md §4.5).
func (d *Dispatcher) ActiveChannels() int {
	return d.registry.Len()
}

// Connected implements registry.Owner.
func (d *Dispatcher) Connected(ch transport.Channel) channelState {
	return channelState{pending: make(map[coordinator.WaiterID]xid.GXID)}
}

// Disconnected implements registry.Owner: every REQ_SETSTATUS this
// channel had parked is unparked without touching any vote tally
// (spec.md §4.3 "tie-breaks and edge cases").
func (d *Dispatcher) Disconnected(ch transport.Channel, state channelState) {
	for w, g := range state.pending {
		d.coord.Unpark(g, w)
		delete(d.parkedBy, w)
	}
	d.metrics.WaitersParked(-len(state.pending))
}

// OnConnect implements transport.Callbacks.
func (d *Dispatcher) OnConnect(ch transport.Channel) {
	d.registry.OnConnect(ch)
}

// OnDisconnect implements transport.Callbacks.
func (d *Dispatcher) OnDisconnect(ch transport.Channel) {
	d.registry.OnDisconnect(ch)
}

// OnMessage implements transport.Callbacks: parse, dispatch to the
// coordinator, reply or park. A parse/coordinator error is always an
// immediate reply on this channel; the connection itself stays open
// (spec.md §7).
func (d *Dispatcher) OnMessage(ch transport.Channel, code uint8, payload []byte) {
	if d.maxMsg > 0 && len(payload) > d.maxMsg {
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
		return
	}
	// The rate budget never drops a request: it delays this dispatch
	// step, which is safe because the coordinator's ordering guarantees
	// only depend on the single loop goroutine staying the sole mutator,
	// not on how long any one tick takes (SPEC_FULL.md §4.4).
	if d.limiter != nil {
		if res := d.limiter.Reserve(); res.OK() {
			if delay := res.Delay(); delay > 0 {
				d.metrics.RequestThrottled()
				time.Sleep(delay)
			}
		}
	}
	d.metrics.RequestProcessed(code)

	switch code {
	case wire.CodeStart:
		d.handleStart(ch, payload)
	case wire.CodeSnapshot:
		d.handleSnapshot(ch, payload)
	case wire.CodeSetStatus:
		d.handleSetStatus(ch, payload)
	case wire.CodeGetStatus:
		d.handleGetStatus(ch, payload)
	default:
		d.replyError(ch, coordinator.ErrKindMalformedRequest)
	}
}

func (d *Dispatcher) replyError(ch transport.Channel, kind coordinator.ErrorKind) {
	d.metrics.RequestRejected(kind)
	if err := d.sender.SendMessage(ch, wire.CodeError, []byte{byte(kind)}); err != nil {
		d.log.Debug("failed to send error reply", zap.Error(err))
	}
}

func (d *Dispatcher) replyCoordinatorErr(ch transport.Channel, err error) {
	var cerr *coordinator.Error
	if errors.As(err, &cerr) {
		d.replyError(ch, cerr.Kind)
		return
	}
	d.replyError(ch, coordinator.ErrKindInternalError)
}

// NotifyTerminal implements coordinator.Notifier: send the terminal
// status to the channel that parked waiter, synchronously, exactly once.
func (d *Dispatcher) NotifyTerminal(waiter coordinator.WaiterID, g xid.GXID, status xid.Status) {
	ch, ok := d.parkedBy[waiter]
	if !ok {
		return
	}
	delete(d.parkedBy, waiter)
	if state, ok := d.registry.State(ch); ok {
		delete(state.pending, waiter)
	}
	d.metrics.WaitersParked(-1)

	switch status {
	case xid.Committed:
		d.metrics.TransactionCommitted()
	case xid.Aborted:
		d.metrics.TransactionAborted()
	}

	if err := d.sender.SendMessage(ch, wire.CodeSetStatus, []byte{byte(status)}); err != nil {
		d.log.Debug("failed to deliver terminal decision", zap.Error(err), zap.Uint64("gxid", uint64(g)))
	}
}
