// Package quicrq holds the shared object-model types (spec §3) used across
// every quicrq subpackage: the URL naming key, the 62-bit identifiers that
// index groups/objects/byte-offsets, and the Fragment transfer unit. It has
// no behavior of its own beyond constructors and equality/ordering helpers
// — each subpackage (wire, reassembly, cache, ...) builds its logic on top
// of these types rather than redefining them.
package quicrq

import "fmt"

// MaxVarInt62 is the largest value any GroupID/ObjectID/Offset/Length may
// take: QUIC variable-length integers are 62-bit (RFC 9000 §16).
const MaxVarInt62 = uint64(1)<<62 - 1

// MaxURLLength bounds a URL's byte length (spec §3).
const MaxURLLength = 64 * 1024

// GroupID, ObjectID, Offset, Length are the protocol's 62-bit identifiers.
type (
	GroupID  = uint64
	ObjectID = uint64
	Offset   = uint64
	Length   = uint64
)

// URL is the protocol's opaque naming key. Equality is byte-exact, so URL
// is a []byte rather than a string: two URLs are equal iff bytes.Equal
// reports true, with no normalization.
type URL []byte

// NewURL validates and copies raw into a URL, rejecting empty or
// over-length inputs.
func NewURL(raw []byte) (URL, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("quicrq: empty URL")
	}
	if len(raw) > MaxURLLength {
		return nil, fmt.Errorf("quicrq: URL length %d exceeds max %d", len(raw), MaxURLLength)
	}
	return URL(append([]byte(nil), raw...)), nil
}

// Key returns the canonical map-key form of a URL for use in registries and
// caches keyed by string.
func (u URL) Key() string { return string(u) }

func (u URL) String() string { return string(u) }

// Equal reports byte-exact equality.
func (u URL) Equal(other URL) bool {
	if len(u) != len(other) {
		return false
	}
	for i := range u {
		if u[i] != other[i] {
			return false
		}
	}
	return true
}

// CheckID validates that v fits the protocol's 62-bit identifier range.
func CheckID(v uint64) error {
	if v > MaxVarInt62 {
		return fmt.Errorf("quicrq: identifier %d exceeds 62-bit range", v)
	}
	return nil
}

// ObjectKey is the canonical (group, object) pair used as a map key and for
// lexicographic ordering throughout reassembly and caching.
type ObjectKey struct {
	Group  GroupID
	Object ObjectID
}

// Less implements the canonical ordering: group ascending, then object
// ascending (spec §4.2, §4.3: "group asc, object asc, offset asc").
func (k ObjectKey) Less(other ObjectKey) bool {
	if k.Group != other.Group {
		return k.Group < other.Group
	}
	return k.Object < other.Object
}

func (k ObjectKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.Group, k.Object)
}

// Fragment is the atomic transfer unit (spec §3): a contiguous byte range
// of one object, plus the metadata needed to place it and to detect group
// boundaries during reassembly.
type Fragment struct {
	GroupID                   GroupID
	ObjectID                  ObjectID
	Offset                    Offset
	IsLastFragment            bool
	NbObjectsPreviousGroup    uint64
	HasNbObjectsPreviousGroup bool
	Flags                     byte
	Payload                   []byte
}

// Key returns the fragment's owning object key.
func (f Fragment) Key() ObjectKey { return ObjectKey{Group: f.GroupID, Object: f.ObjectID} }

// End returns the byte offset one past the end of this fragment's payload.
func (f Fragment) End() Offset { return f.Offset + Offset(len(f.Payload)) }
