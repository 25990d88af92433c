// Package registry implements the client registry layer from spec.md
// §4.2: one occupied slot per (connection, channel), holding opaque
// state the upper layer owns, populated by Owner.Connected on first sight
// of a channel and released exactly once on disconnect.
//
// State is generic rather than a void* (spec.md §9's arena+index note):
// the registry is the arena, and transport.Channel is the index into it.
package registry

import "github.com/sushant-115/dtmd/internal/transport"

// Owner is implemented by the upper layer (the dispatcher) to populate
// and release per-channel state.
type Owner[T any] interface {
	// Connected is called the first time a channel is seen. Its return
	// value becomes the channel's stored state.
	Connected(ch transport.Channel) T
	// Disconnected is called exactly once, with the state that is about
	// to be discarded, when the channel closes (MSG_DISCONNECT or
	// connection teardown).
	Disconnected(ch transport.Channel, state T)
}

// Registry is the per-(connection, channel) state table.
type Registry[T any] struct {
	owner Owner[T]
	slots map[transport.Channel]*T
}

func New[T any](owner Owner[T]) *Registry[T] {
	return &Registry[T]{owner: owner, slots: make(map[transport.Channel]*T)}
}

// OnConnect backs the dispatcher's transport.Callbacks.OnConnect.
func (r *Registry[T]) OnConnect(ch transport.Channel) {
	state := r.owner.Connected(ch)
	r.slots[ch] = &state
}

// OnDisconnect backs the dispatcher's transport.Callbacks.OnDisconnect.
func (r *Registry[T]) OnDisconnect(ch transport.Channel) {
	state, ok := r.slots[ch]
	if !ok {
		return
	}
	delete(r.slots, ch)
	r.owner.Disconnected(ch, *state)
}

// State returns a mutable pointer to ch's stored state, or ok=false if
// the channel is not currently registered (e.g. it already disconnected).
func (r *Registry[T]) State(ch transport.Channel) (state *T, ok bool) {
	s, ok := r.slots[ch]
	return s, ok
}

// Len reports the number of occupied slots, for metrics.
func (r *Registry[T]) Len() int {
	return len(r.slots)
}
