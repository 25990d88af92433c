package transport

import (
	"fmt"

	"github.com/sushant-115/dtmd/internal/wire"
)

// inputBuffer accumulates bytes read from a connection and peels off
// complete frames, compacting any partial tail to the front — the
// transport's read path from spec.md §4.1.
type inputBuffer struct {
	data  []byte
	ready int
}

func newInputBuffer(capacity int) *inputBuffer {
	return &inputBuffer{data: make([]byte, capacity)}
}

// free returns the writable tail of the buffer, for a single recv call.
func (b *inputBuffer) free() []byte {
	return b.data[b.ready:]
}

func (b *inputBuffer) advance(n int) {
	b.ready += n
}

// frame is one fully-buffered request: header plus payload slice backed
// by the input buffer (valid only until the next compact/advance).
type frame struct {
	header  wire.Header
	payload []byte
}

// ErrOversizeFrame is returned when a frame header declares a payload
// that could never fit in the buffer — a fatal protocol violation per
// spec.md §4.1.
var ErrOversizeFrame = fmt.Errorf("transport: frame exceeds buffer capacity")

// extractFrames peels off every complete frame currently buffered,
// invoking yield for each, then compacts the remaining partial tail to
// the start of the buffer. It stops and returns ErrOversizeFrame if any
// header declares a size that can never be satisfied by this buffer.
func (b *inputBuffer) extractFrames(yield func(frame) error) error {
	cursor := 0
	for b.ready-cursor >= wire.HeaderSize {
		h, err := wire.DecodeHeader(b.data[cursor : cursor+wire.HeaderSize])
		if err != nil {
			return err
		}
		total := wire.HeaderSize + int(h.Size)
		if total > len(b.data) {
			return ErrOversizeFrame
		}
		if b.ready-cursor < total {
			break
		}
		payload := b.data[cursor+wire.HeaderSize : cursor+total]
		if err := yield(frame{header: h, payload: payload}); err != nil {
			return err
		}
		cursor += total
	}

	remaining := b.ready - cursor
	if remaining > 0 && cursor > 0 {
		copy(b.data[:remaining], b.data[cursor:b.ready])
	}
	b.ready = remaining
	return nil
}

// outputBuffer buffers outbound frames up to a fixed capacity and
// implements the start/append/finish producer contract from spec.md
// §4.1: a reply may be built incrementally and is only committed to the
// flushable region at finish.
type outputBuffer struct {
	data    []byte
	ready   int // bytes committed and safe to flush
	pending int // offset of the in-progress message's header, or -1
}

const noPending = -1

func newOutputBuffer(capacity int) *outputBuffer {
	return &outputBuffer{data: make([]byte, capacity), pending: noPending}
}

// start begins a new message on chanID with the given reply code. It may
// itself trigger a flush (via flush) if there isn't room for a header.
func (b *outputBuffer) start(code uint8, chanID uint32, flush func() error) error {
	if b.pending != noPending {
		return fmt.Errorf("transport: message already in progress")
	}
	if len(b.data)-b.ready < wire.HeaderSize {
		if err := flush(); err != nil {
			return err
		}
	}
	if len(b.data)-b.ready < wire.HeaderSize {
		return ErrOversizeFrame
	}
	wire.EncodeHeader(b.data[b.ready:b.ready+wire.HeaderSize], wire.Header{Size: 0, Code: code, Channel: chanID})
	b.pending = b.ready
	return nil
}

// append adds len(p) more payload bytes to the in-progress message,
// flushing first if needed to make room. A message that would exceed the
// buffer's total capacity even after flushing is a fatal protocol
// violation (spec.md §4.1).
func (b *outputBuffer) append(p []byte, flush func() error) error {
	if b.pending == noPending {
		return fmt.Errorf("transport: append with no message in progress")
	}
	h, _ := wire.DecodeHeader(b.data[b.pending : b.pending+wire.HeaderSize])
	newSize := int(h.Size) + len(p)
	if wire.HeaderSize+newSize > len(b.data) {
		return ErrOversizeFrame
	}

	msgEnd := b.pending + wire.HeaderSize + int(h.Size)
	if msgEnd+len(p) > len(b.data) {
		if err := flush(); err != nil {
			return err
		}
		// pending moved to the front by flush(); recompute.
		h, _ = wire.DecodeHeader(b.data[b.pending : b.pending+wire.HeaderSize])
		msgEnd = b.pending + wire.HeaderSize + int(h.Size)
	}

	copy(b.data[msgEnd:msgEnd+len(p)], p)
	h.Size += uint32(len(p))
	wire.EncodeHeader(b.data[b.pending:b.pending+wire.HeaderSize], h)
	return nil
}

// finish commits the in-progress message to the flushable region.
func (b *outputBuffer) finish() error {
	if b.pending == noPending {
		return fmt.Errorf("transport: finish with no message in progress")
	}
	h, _ := wire.DecodeHeader(b.data[b.pending : b.pending+wire.HeaderSize])
	b.ready = b.pending + wire.HeaderSize + int(h.Size)
	b.pending = noPending
	return nil
}

// flushTo writes the committed region to w, compacting any unfinished
// in-progress message (there is at most one, since start refuses to
// begin a second) to the front of the buffer. It blocks until the
// committed bytes are fully written or an error occurs, matching
// spec.md §4.1's "block-until-drained is acceptable" guidance.
func (b *outputBuffer) flushTo(w interface{ Write([]byte) (int, error) }) error {
	toSend := b.ready
	cursor := 0
	for toSend > 0 {
		n, err := w.Write(b.data[cursor:b.ready])
		if err != nil {
			return err
		}
		cursor += n
		toSend -= n
	}

	if b.pending != noPending {
		// Invariant: while a message is pending, b.pending == b.ready
		// (start() places the header at b.ready, and ready only moves
		// again at finish() or here), so
		// the pending message's span sits right after the bytes we
		// just wrote out. Move it down to the front of the buffer.
		h, _ := wire.DecodeHeader(b.data[b.pending : b.pending+wire.HeaderSize])
		span := wire.HeaderSize + int(h.Size)
		copy(b.data[0:span], b.data[b.pending:b.pending+span])
		b.pending = 0
	}
	b.ready = 0
	return nil
}

// hasPending reports whether a message is mid-construction.
func (b *outputBuffer) hasPending() bool {
	return b.pending != noPending
}
