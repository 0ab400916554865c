// Package wire implements the quicrq control-message codec (spec §4.1):
// eleven message kinds identified by a leading byte, with fields encoded
// using QUIC variable-length integers (RFC 9000 §16) via internal/quicrq/varint.
//
// The decode/encode shape — a flat switch on a leading type byte, each case
// validating exact field lengths before constructing a typed result —
// mirrors an RTMP control message decoder/encoder pair, generalized from
// RTMP's fixed-width big-endian fields to quicrq's variable-length integer
// fields.
package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/alxayo/quicrq/internal/quicrq/varint"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// Kind identifies a control message's leading type byte.
type Kind byte

const (
	KindRequestStream   Kind = 1
	KindRequestDatagram Kind = 2
	KindFinDatagram     Kind = 3
	KindRequestRepair   Kind = 4
	KindFragment        Kind = 5
	KindPost            Kind = 6
	KindAccept          Kind = 7
	KindStartPoint      Kind = 8
	KindSubscribe       Kind = 9
	KindNotify          Kind = 10
	KindCachePolicy     Kind = 11
)

func (k Kind) String() string {
	switch k {
	case KindRequestStream:
		return "REQUEST_STREAM"
	case KindRequestDatagram:
		return "REQUEST_DATAGRAM"
	case KindFinDatagram:
		return "FIN_DATAGRAM"
	case KindRequestRepair:
		return "REQUEST_REPAIR"
	case KindFragment:
		return "FRAGMENT"
	case KindPost:
		return "POST"
	case KindAccept:
		return "ACCEPT"
	case KindStartPoint:
		return "START_POINT"
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindNotify:
		return "NOTIFY"
	case KindCachePolicy:
		return "CACHE_POLICY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(k))
	}
}

// Intent is the subscriber's chosen resume point (spec §3).
type Intent byte

const (
	IntentCurrentGroup Intent = 0
	IntentNextGroup    Intent = 1
	IntentStartPoint   Intent = 2
)

func (i Intent) valid() bool {
	return i == IntentCurrentGroup || i == IntentNextGroup || i == IntentStartPoint
}

// TransportMode selects how fragment bytes flow for a subscription.
// Values 0/1 are spec-mandated; Warp (2) is a supplemental mode (see
// SPEC_FULL.md "Warp-style single-object-per-stream mode").
type TransportMode byte

const (
	TransportSingleStream TransportMode = 0
	TransportDatagram     TransportMode = 1
	TransportWarp         TransportMode = 2
)

func (m TransportMode) valid() bool {
	return m == TransportSingleStream || m == TransportDatagram || m == TransportWarp
}

// MaxURLLength is spec §3's bound on URL size (64 KiB).
const MaxURLLength = 64 * 1024

// Message is implemented by every decodable/encodable control message.
type Message interface {
	Kind() Kind
}

// startPoint carries the optional (group_id, object_id) pair present when
// Intent == IntentStartPoint. Embedded by the two REQUEST_* messages.
type startPoint struct {
	GroupID  uint64
	ObjectID uint64
}

// RequestStream is message code 1.
type RequestStream struct {
	URL        []byte
	Intent     Intent
	StartPoint startPoint // valid only when Intent == IntentStartPoint
}

func (*RequestStream) Kind() Kind { return KindRequestStream }

// RequestDatagram is message code 2.
type RequestDatagram struct {
	URL        []byte
	Intent     Intent
	StartPoint startPoint // valid only when Intent == IntentStartPoint
	MediaID    uint64
}

func (*RequestDatagram) Kind() Kind { return KindRequestDatagram }

// FinDatagram is message code 3.
type FinDatagram struct {
	MediaID     uint64
	FinalGroup  uint64
	FinalObject uint64
}

func (*FinDatagram) Kind() Kind { return KindFinDatagram }

// RequestRepair is message code 4.
type RequestRepair struct {
	GroupID        uint64
	ObjectID       uint64
	Offset         uint64
	Length         uint64
	IsLastFragment bool
}

func (*RequestRepair) Kind() Kind { return KindRequestRepair }

// Fragment is message code 5 — the atomic transfer unit (spec §3).
//
// IsLastFragment is a [FULL] supplement: spec.md's §4.1 wire table omits it
// from FRAGMENT's literal field list, but §4.2's reassembly Input signature
// takes it as a required parameter and REQUEST_REPAIR already carries the
// same flag as an independent field — original_source's proto_test.c fixture
// structs likewise set is_last_fragment and flags as two distinct struct
// members on the same message, never folding one into the other. Declaring
// it atop the opaque Flags byte instead would contradict spec §9's explicit
// "preserve flags on the wire; do not interpret" instruction, so it is
// carried as its own wire byte, positioned analogously to REQUEST_REPAIR's.
type Fragment struct {
	GroupID                uint64
	ObjectID               uint64
	NbObjectsPreviousGroup uint64 // 0 means "not present"; a real group always has >=1 object
	Offset                 uint64
	Flags                  byte // reserved, preserved verbatim (spec §9 open question)
	IsLastFragment         bool
	Payload                []byte
}

func (*Fragment) Kind() Kind { return KindFragment }

// Post is message code 6.
type Post struct {
	URL           []byte
	TransportMode TransportMode
	Intent        Intent
	GroupID       uint64
	ObjectID      uint64
}

func (*Post) Kind() Kind { return KindPost }

// Accept is message code 7.
type Accept struct {
	TransportMode TransportMode
	MediaID       uint64 // valid only when TransportMode == TransportDatagram
}

func (*Accept) Kind() Kind { return KindAccept }

// StartPoint is message code 8.
type StartPoint struct {
	GroupID  uint64
	ObjectID uint64
}

func (*StartPoint) Kind() Kind { return KindStartPoint }

// Subscribe is message code 9.
type Subscribe struct {
	URL []byte
}

func (*Subscribe) Kind() Kind { return KindSubscribe }

// Notify is message code 10.
type Notify struct {
	URL []byte
}

func (*Notify) Kind() Kind { return KindNotify }

// CachePolicy is message code 11.
type CachePolicy struct {
	Policy byte
}

func (*CachePolicy) Kind() Kind { return KindCachePolicy }

// ---- encoding ----

// Encode serializes m into a freshly allocated byte slice.
func Encode(m Message) ([]byte, error) {
	buf := []byte{byte(m.Kind())}
	var err error
	switch v := m.(type) {
	case *RequestStream:
		buf, err = encodeURL(buf, v.URL)
		if err != nil {
			return nil, err
		}
		buf, err = encodeIntent(buf, v.Intent, v.StartPoint)
	case *RequestDatagram:
		buf, err = encodeURL(buf, v.URL)
		if err != nil {
			return nil, err
		}
		buf, err = encodeIntent(buf, v.Intent, v.StartPoint)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.MediaID)
	case *FinDatagram:
		buf, err = varint.Encode(buf, v.MediaID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.FinalGroup)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.FinalObject)
	case *RequestRepair:
		buf, err = varint.Encode(buf, v.GroupID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.ObjectID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.Offset)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.Length)
		if err != nil {
			return nil, err
		}
		buf = append(buf, boolByte(v.IsLastFragment))
	case *Fragment:
		buf, err = varint.Encode(buf, v.GroupID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.ObjectID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.NbObjectsPreviousGroup)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.Offset)
		if err != nil {
			return nil, err
		}
		buf = append(buf, v.Flags, boolByte(v.IsLastFragment))
		buf, err = varint.Encode(buf, uint64(len(v.Payload)))
		if err != nil {
			return nil, err
		}
		buf = append(buf, v.Payload...)
	case *Post:
		buf, err = encodeURL(buf, v.URL)
		if err != nil {
			return nil, err
		}
		if !v.TransportMode.valid() {
			return nil, fmt.Errorf("wire: invalid transport mode %d", v.TransportMode)
		}
		if !v.Intent.valid() {
			return nil, fmt.Errorf("wire: invalid intent %d", v.Intent)
		}
		buf = append(buf, byte(v.TransportMode), byte(v.Intent))
		buf, err = varint.Encode(buf, v.GroupID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.ObjectID)
	case *Accept:
		if !v.TransportMode.valid() {
			return nil, fmt.Errorf("wire: invalid transport mode %d", v.TransportMode)
		}
		buf = append(buf, byte(v.TransportMode))
		if v.TransportMode == TransportDatagram {
			buf, err = varint.Encode(buf, v.MediaID)
		}
	case *StartPoint:
		buf, err = varint.Encode(buf, v.GroupID)
		if err != nil {
			return nil, err
		}
		buf, err = varint.Encode(buf, v.ObjectID)
	case *Subscribe:
		buf, err = encodeURL(buf, v.URL)
	case *Notify:
		buf, err = encodeURL(buf, v.URL)
	case *CachePolicy:
		buf = append(buf, v.Policy)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeURL(buf []byte, url []byte) ([]byte, error) {
	if len(url) > MaxURLLength {
		return nil, fmt.Errorf("wire: url length %d exceeds max %d", len(url), MaxURLLength)
	}
	buf, err := varint.Encode(buf, uint64(len(url)))
	if err != nil {
		return nil, err
	}
	return append(buf, url...), nil
}

func encodeIntent(buf []byte, intent Intent, sp startPoint) ([]byte, error) {
	if !intent.valid() {
		return nil, fmt.Errorf("wire: invalid intent tag %d", intent)
	}
	buf = append(buf, byte(intent))
	if intent != IntentStartPoint {
		return buf, nil
	}
	var err error
	buf, err = varint.Encode(buf, sp.GroupID)
	if err != nil {
		return nil, err
	}
	return varint.Encode(buf, sp.ObjectID)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ---- decoding ----

// Decode parses one message from the head of buf, returning the message and
// the number of bytes consumed. It returns xerrors.MalformedError on any
// grammar violation, length overrun, or invalid enum byte (spec §4.1).
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 1 {
		return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("empty buffer"))
	}
	kind := Kind(buf[0])
	rest := buf[1:]
	consumed := 1

	readVarint := func() (uint64, error) {
		v, n, err := varint.Decode(rest)
		if err != nil {
			return 0, err
		}
		rest = rest[n:]
		consumed += n
		return v, nil
	}
	readByte := func() (byte, error) {
		if len(rest) < 1 {
			return 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: truncated", kind))
		}
		b := rest[0]
		rest = rest[1:]
		consumed++
		return b, nil
	}
	readURL := func() ([]byte, error) {
		ulen, err := readVarint()
		if err != nil {
			return nil, malformed(kind, err)
		}
		if ulen > MaxURLLength {
			return nil, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: url_len %d exceeds max", kind, ulen))
		}
		if uint64(len(rest)) < ulen {
			return nil, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: url_len %d exceeds remaining buffer", kind, ulen))
		}
		url := append([]byte(nil), rest[:ulen]...)
		rest = rest[ulen:]
		consumed += int(ulen)
		return url, nil
	}
	readIntent := func() (Intent, startPoint, error) {
		b, err := readByte()
		if err != nil {
			return 0, startPoint{}, err
		}
		intent := Intent(b)
		if !intent.valid() {
			return 0, startPoint{}, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: invalid intent tag %d", kind, b))
		}
		var sp startPoint
		if intent == IntentStartPoint {
			sp.GroupID, err = readVarint()
			if err != nil {
				return 0, startPoint{}, malformed(kind, err)
			}
			sp.ObjectID, err = readVarint()
			if err != nil {
				return 0, startPoint{}, malformed(kind, err)
			}
		}
		return intent, sp, nil
	}

	switch kind {
	case KindRequestStream:
		url, err := readURL()
		if err != nil {
			return nil, 0, err
		}
		intent, sp, err := readIntent()
		if err != nil {
			return nil, 0, err
		}
		return &RequestStream{URL: url, Intent: intent, StartPoint: sp}, consumed, nil

	case KindRequestDatagram:
		url, err := readURL()
		if err != nil {
			return nil, 0, err
		}
		intent, sp, err := readIntent()
		if err != nil {
			return nil, 0, err
		}
		mediaID, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		return &RequestDatagram{URL: url, Intent: intent, StartPoint: sp, MediaID: mediaID}, consumed, nil

	case KindFinDatagram:
		mediaID, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		fg, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		fo, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		return &FinDatagram{MediaID: mediaID, FinalGroup: fg, FinalObject: fo}, consumed, nil

	case KindRequestRepair:
		g, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		o, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		off, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		length, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		lastB, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		if lastB > 1 {
			return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: is_last_fragment must be 0/1, got %d", kind, lastB))
		}
		return &RequestRepair{GroupID: g, ObjectID: o, Offset: off, Length: length, IsLastFragment: lastB == 1}, consumed, nil

	case KindFragment:
		g, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		o, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		nbPrev, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		off, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		flags, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		lastB, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		if lastB > 1 {
			return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: is_last_fragment must be 0/1, got %d", kind, lastB))
		}
		length, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		if uint64(len(rest)) < length {
			return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: length %d exceeds remaining buffer", kind, length))
		}
		payload := append([]byte(nil), rest[:length]...)
		rest = rest[length:]
		consumed += int(length)
		return &Fragment{GroupID: g, ObjectID: o, NbObjectsPreviousGroup: nbPrev, Offset: off, Flags: flags, IsLastFragment: lastB == 1, Payload: payload}, consumed, nil

	case KindPost:
		url, err := readURL()
		if err != nil {
			return nil, 0, err
		}
		modeB, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		mode := TransportMode(modeB)
		if !mode.valid() {
			return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: invalid transport mode %d", kind, modeB))
		}
		intentB, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		intent := Intent(intentB)
		if !intent.valid() {
			return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: invalid intent tag %d", kind, intentB))
		}
		g, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		o, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		return &Post{URL: url, TransportMode: mode, Intent: intent, GroupID: g, ObjectID: o}, consumed, nil

	case KindAccept:
		modeB, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		mode := TransportMode(modeB)
		if !mode.valid() {
			return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: invalid transport mode %d", kind, modeB))
		}
		a := &Accept{TransportMode: mode}
		if mode == TransportDatagram {
			mediaID, err := readVarint()
			if err != nil {
				return nil, 0, malformed(kind, err)
			}
			a.MediaID = mediaID
		}
		return a, consumed, nil

	case KindStartPoint:
		g, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		o, err := readVarint()
		if err != nil {
			return nil, 0, malformed(kind, err)
		}
		return &StartPoint{GroupID: g, ObjectID: o}, consumed, nil

	case KindSubscribe:
		url, err := readURL()
		if err != nil {
			return nil, 0, err
		}
		return &Subscribe{URL: url}, consumed, nil

	case KindNotify:
		url, err := readURL()
		if err != nil {
			return nil, 0, err
		}
		return &Notify{URL: url}, consumed, nil

	case KindCachePolicy:
		policy, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		return &CachePolicy{Policy: policy}, consumed, nil

	default:
		return nil, 0, xerrors.NewMalformed("wire.decode", fmt.Errorf("unknown message kind %d", buf[0]))
	}
}

func malformed(kind Kind, err error) error {
	return xerrors.NewMalformed("wire.decode", fmt.Errorf("%s: %w", kind, err))
}

// ---- stream framing ----

// WriteMessage encodes m and writes it to w. It is the counterpart to
// ReadMessage for driving a control message exchange directly over a
// transport.Stream.
func WriteMessage(w io.Writer, m Message) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one control message from r. Unlike Decode,
// which operates on an already-buffered slice and cannot tell truncation
// from malformed grammar, ReadMessage pulls bytes straight from the
// stream: every field's length is self-describing before it is read (a
// varint's own first byte, or a previously-read length prefix), so no
// outer envelope or speculative buffering is needed — the same style the
// teacher's chunk.Reader uses to read directly off a net.Conn.
//
// A clean end of stream before any byte of a message is read returns
// io.EOF unwrapped, so callers can distinguish "peer is done" from a
// genuine protocol violation; any error after that point is wrapped as
// xerrors.MalformedError.
func ReadMessage(r io.Reader) (Message, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return nil, err
	}
	kind := Kind(kindByte[0])

	readVarint := func() (uint64, error) {
		v, err := varint.DecodeFrom(r)
		if err != nil {
			return 0, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: %w", kind, err))
		}
		return v, nil
	}
	readRawByte := func() (byte, error) {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: %w", kind, err))
		}
		return b[0], nil
	}
	readURL := func() ([]byte, error) {
		ulen, err := readVarint()
		if err != nil {
			return nil, err
		}
		if ulen > MaxURLLength {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: url_len %d exceeds max", kind, ulen))
		}
		url := make([]byte, ulen)
		if _, err := io.ReadFull(r, url); err != nil {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: %w", kind, err))
		}
		return url, nil
	}
	readIntent := func() (Intent, startPoint, error) {
		b, err := readRawByte()
		if err != nil {
			return 0, startPoint{}, err
		}
		intent := Intent(b)
		if !intent.valid() {
			return 0, startPoint{}, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: invalid intent tag %d", kind, b))
		}
		var sp startPoint
		if intent == IntentStartPoint {
			if sp.GroupID, err = readVarint(); err != nil {
				return 0, startPoint{}, err
			}
			if sp.ObjectID, err = readVarint(); err != nil {
				return 0, startPoint{}, err
			}
		}
		return intent, sp, nil
	}

	switch kind {
	case KindRequestStream:
		url, err := readURL()
		if err != nil {
			return nil, err
		}
		intent, sp, err := readIntent()
		if err != nil {
			return nil, err
		}
		return &RequestStream{URL: url, Intent: intent, StartPoint: sp}, nil

	case KindRequestDatagram:
		url, err := readURL()
		if err != nil {
			return nil, err
		}
		intent, sp, err := readIntent()
		if err != nil {
			return nil, err
		}
		mediaID, err := readVarint()
		if err != nil {
			return nil, err
		}
		return &RequestDatagram{URL: url, Intent: intent, StartPoint: sp, MediaID: mediaID}, nil

	case KindFinDatagram:
		mediaID, err := readVarint()
		if err != nil {
			return nil, err
		}
		fg, err := readVarint()
		if err != nil {
			return nil, err
		}
		fo, err := readVarint()
		if err != nil {
			return nil, err
		}
		return &FinDatagram{MediaID: mediaID, FinalGroup: fg, FinalObject: fo}, nil

	case KindRequestRepair:
		g, err := readVarint()
		if err != nil {
			return nil, err
		}
		o, err := readVarint()
		if err != nil {
			return nil, err
		}
		off, err := readVarint()
		if err != nil {
			return nil, err
		}
		length, err := readVarint()
		if err != nil {
			return nil, err
		}
		lastB, err := readRawByte()
		if err != nil {
			return nil, err
		}
		if lastB > 1 {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: is_last_fragment must be 0/1, got %d", kind, lastB))
		}
		return &RequestRepair{GroupID: g, ObjectID: o, Offset: off, Length: length, IsLastFragment: lastB == 1}, nil

	case KindFragment:
		g, err := readVarint()
		if err != nil {
			return nil, err
		}
		o, err := readVarint()
		if err != nil {
			return nil, err
		}
		nbPrev, err := readVarint()
		if err != nil {
			return nil, err
		}
		off, err := readVarint()
		if err != nil {
			return nil, err
		}
		flags, err := readRawByte()
		if err != nil {
			return nil, err
		}
		lastB, err := readRawByte()
		if err != nil {
			return nil, err
		}
		if lastB > 1 {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: is_last_fragment must be 0/1, got %d", kind, lastB))
		}
		length, err := readVarint()
		if err != nil {
			return nil, err
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: %w", kind, err))
		}
		return &Fragment{GroupID: g, ObjectID: o, NbObjectsPreviousGroup: nbPrev, Offset: off, Flags: flags, IsLastFragment: lastB == 1, Payload: payload}, nil

	case KindPost:
		url, err := readURL()
		if err != nil {
			return nil, err
		}
		modeB, err := readRawByte()
		if err != nil {
			return nil, err
		}
		mode := TransportMode(modeB)
		if !mode.valid() {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: invalid transport mode %d", kind, modeB))
		}
		intentB, err := readRawByte()
		if err != nil {
			return nil, err
		}
		intent := Intent(intentB)
		if !intent.valid() {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: invalid intent tag %d", kind, intentB))
		}
		g, err := readVarint()
		if err != nil {
			return nil, err
		}
		o, err := readVarint()
		if err != nil {
			return nil, err
		}
		return &Post{URL: url, TransportMode: mode, Intent: intent, GroupID: g, ObjectID: o}, nil

	case KindAccept:
		modeB, err := readRawByte()
		if err != nil {
			return nil, err
		}
		mode := TransportMode(modeB)
		if !mode.valid() {
			return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("%s: invalid transport mode %d", kind, modeB))
		}
		a := &Accept{TransportMode: mode}
		if mode == TransportDatagram {
			mediaID, err := readVarint()
			if err != nil {
				return nil, err
			}
			a.MediaID = mediaID
		}
		return a, nil

	case KindStartPoint:
		g, err := readVarint()
		if err != nil {
			return nil, err
		}
		o, err := readVarint()
		if err != nil {
			return nil, err
		}
		return &StartPoint{GroupID: g, ObjectID: o}, nil

	case KindSubscribe:
		url, err := readURL()
		if err != nil {
			return nil, err
		}
		return &Subscribe{URL: url}, nil

	case KindNotify:
		url, err := readURL()
		if err != nil {
			return nil, err
		}
		return &Notify{URL: url}, nil

	case KindCachePolicy:
		policy, err := readRawByte()
		if err != nil {
			return nil, err
		}
		return &CachePolicy{Policy: policy}, nil

	default:
		return nil, xerrors.NewMalformed("wire.read_message", fmt.Errorf("unknown message kind %d", kindByte[0]))
	}
}

// NewMessageReader wraps r in a bufio.Reader sized for typical control
// traffic, reducing ReadMessage's many small reads to one syscall per
// stream buffer refill.
func NewMessageReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
