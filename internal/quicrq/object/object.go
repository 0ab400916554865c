// Package object implements the fixed-size object header used by the test
// media fixtures (spec §3): "number (sequence), timestamp (microseconds),
// length" packed into 8 bytes. It is opaque to the transport core — only
// the publish-file/subscribe-file test media comparator reads it — and is
// carried as the first 8 bytes of every object's payload.
//
// The fixed-width-fields-plus-io.Reader style mirrors an RTMP chunk header,
// scaled down from RTMP's multi-format chunk header to this single 8-byte
// record: 2-byte number, 4-byte timestamp, 2-byte length, all big-endian.
package object

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed wire size of a Header (spec §3: "fixed 8 bytes").
const HeaderSize = 8

// MaxLength is the largest object payload length representable in the
// 2-byte Length field.
const MaxLength = 1<<16 - 1

// Header is the fixed-size per-object record carried at the start of every
// object's payload in the test media fixture format.
type Header struct {
	Number          uint16
	TimestampMicros uint32
	Length          uint16
}

// Encode writes h's 8-byte wire form into dst, which must be at least
// HeaderSize long, and returns the number of bytes written.
func Encode(dst []byte, h Header) (int, error) {
	if len(dst) < HeaderSize {
		return 0, fmt.Errorf("object: dst too small: have %d, need %d", len(dst), HeaderSize)
	}
	binary.BigEndian.PutUint16(dst[0:2], h.Number)
	binary.BigEndian.PutUint32(dst[2:6], h.TimestampMicros)
	binary.BigEndian.PutUint16(dst[6:8], h.Length)
	return HeaderSize, nil
}

// Decode reads a Header from the first HeaderSize bytes of src.
func Decode(src []byte) (Header, int, error) {
	if len(src) < HeaderSize {
		return Header{}, 0, fmt.Errorf("object: truncated header: have %d bytes, need %d", len(src), HeaderSize)
	}
	h := Header{
		Number:          binary.BigEndian.Uint16(src[0:2]),
		TimestampMicros: binary.BigEndian.Uint32(src[2:6]),
		Length:          binary.BigEndian.Uint16(src[6:8]),
	}
	return h, HeaderSize, nil
}
