// Package wire implements the DTMd frame protocol: a fixed little-endian
// header followed by a variable-length payload, multiplexed over logical
// channels on a single TCP connection.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the on-wire size of a frame header in bytes:
// u32 size, u8 code, u32 channel.
const HeaderSize = 4 + 1 + 4

// Reserved request/reply codes. Exact values are an implementation choice;
// these are the ones DTMd fixes and documents.
const (
	CodeStart      uint8 = 1 // REQ_START
	CodeSnapshot   uint8 = 2 // REQ_SNAPSHOT
	CodeSetStatus  uint8 = 3 // REQ_SETSTATUS
	CodeGetStatus  uint8 = 4 // REQ_GETSTATUS
	CodeDisconnect uint8 = 5 // MSG_DISCONNECT
	CodeError      uint8 = 0xFF
)

// Header is the fixed 9-byte frame header. Size counts payload bytes only.
type Header struct {
	Size    uint32
	Code    uint8
	Channel uint32
}

// ErrShortHeader is returned by DecodeHeader when fewer than HeaderSize
// bytes are available.
var ErrShortHeader = fmt.Errorf("wire: short header, need %d bytes", HeaderSize)

// EncodeHeader writes h into buf (which must be at least HeaderSize bytes
// long) in little-endian order.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Size)
	buf[4] = h.Code
	binary.LittleEndian.PutUint32(buf[5:9], h.Channel)
}

// DecodeHeader parses a header from the front of buf. It never reads past
// HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Size:    binary.LittleEndian.Uint32(buf[0:4]),
		Code:    buf[4],
		Channel: binary.LittleEndian.Uint32(buf[5:9]),
	}, nil
}

// PutUint64 and PutUint32 append little-endian integers to buf, matching
// the wire payload encodings used by every request/reply in §6.
func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

// Reader is a small cursor over a payload slice used by command parsers.
// It never panics: every Uint* method reports an error instead of indexing out
// of bounds, since payloads arrive from untrusted clients.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

var ErrTruncated = fmt.Errorf("wire: truncated payload")

func (r *Reader) Uint64() (uint64, error) {
	if len(r.buf)-r.off < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if len(r.buf)-r.off < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint8() (uint8, error) {
	if len(r.buf)-r.off < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.off]
	r.off += 1
	return v, nil
}

// Remaining reports how many unread bytes are left in the payload.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Done reports whether the whole payload has been consumed, which request
// parsers use to reject trailing garbage as MalformedRequest.
func (r *Reader) Done() bool {
	return r.off == len(r.buf)
}
