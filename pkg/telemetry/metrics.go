package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/sushant-115/dtmd/internal/coordinator"
)

// DTMMetrics implements dispatcher.Metrics and the connection/channel
// gauges, all named in SPEC_FULL.md §4.5. It is constructed once from a
// Telemetry's Meter and handed to the dispatcher and to cmd/dtmd's
// reportPoolMetrics sampler.
type DTMMetrics struct {
	transactionsStarted   metric.Int64Counter
	transactionsCommitted metric.Int64Counter
	transactionsAborted   metric.Int64Counter
	requestsProcessed     metric.Int64Counter
	requestsThrottled     metric.Int64Counter
	requestsRejected      metric.Int64Counter
	waitersParked         metric.Int64UpDownCounter
	connectionsActive     metric.Int64UpDownCounter
	channelsActive        metric.Int64UpDownCounter
}

// NewDTMMetrics registers every instrument against meter. Errors here are
// a misconfigured SDK, not a runtime condition, so the caller should treat
// them as fatal startup errors.
func NewDTMMetrics(meter metric.Meter) (*DTMMetrics, error) {
	m := &DTMMetrics{}
	var err error

	if m.transactionsStarted, err = meter.Int64Counter("dtmd.transactions.started"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.transactionsCommitted, err = meter.Int64Counter("dtmd.transactions.committed"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.transactionsAborted, err = meter.Int64Counter("dtmd.transactions.aborted"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.requestsProcessed, err = meter.Int64Counter("dtmd.requests.processed"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.requestsThrottled, err = meter.Int64Counter("dtmd.requests.throttled"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.requestsRejected, err = meter.Int64Counter("dtmd.requests.rejected"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.waitersParked, err = meter.Int64UpDownCounter("dtmd.waiters.parked"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.connectionsActive, err = meter.Int64UpDownCounter("dtmd.connections.active"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.channelsActive, err = meter.Int64UpDownCounter("dtmd.channels.active"); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return m, nil
}

func (m *DTMMetrics) TransactionStarted()   { m.transactionsStarted.Add(context.Background(), 1) }
func (m *DTMMetrics) TransactionCommitted() { m.transactionsCommitted.Add(context.Background(), 1) }
func (m *DTMMetrics) TransactionAborted()   { m.transactionsAborted.Add(context.Background(), 1) }
func (m *DTMMetrics) RequestThrottled()     { m.requestsThrottled.Add(context.Background(), 1) }

func (m *DTMMetrics) RequestProcessed(code uint8) {
	m.requestsProcessed.Add(context.Background(), 1)
}

func (m *DTMMetrics) RequestRejected(kind coordinator.ErrorKind) {
	m.requestsRejected.Add(context.Background(), 1)
}

func (m *DTMMetrics) WaitersParked(delta int) {
	m.waitersParked.Add(context.Background(), int64(delta))
}

// AddConnectionsActive and AddChannelsActive report deltas rather than
// absolutes: cmd/dtmd's reportPoolMetrics goroutine samples pool/registry
// sizes once a second and reports the change since the last sample, since the transport and
// registry layers don't otherwise know about the meter.
func (m *DTMMetrics) AddConnectionsActive(delta int) {
	m.connectionsActive.Add(context.Background(), int64(delta))
}

func (m *DTMMetrics) AddChannelsActive(delta int) {
	m.channelsActive.Add(context.Background(), int64(delta))
}
