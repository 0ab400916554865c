// Package cache implements the per-URL fragment cache (spec §4.3): the
// relay-side store of fragments indexed by (group_id, object_id, offset),
// serving cursors that track each attached subscriber's read progress and
// evicting data once every known consumer has passed it (or, under the
// "drop" policy, once a new group starts).
//
// The shape — one sync.RWMutex guarding the whole cache, including the
// subscriber map, with Insert waking every cursor through a non-blocking
// send on its buffered wake channel while it still holds the write lock —
// is adapted from an RTMP server's Registry/Stream pair and its
// BroadcastMessage method.
package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// Policy selects the cache's eviction behavior (spec §4.3), set per URL by
// a CACHE_POLICY control message.
type Policy int

const (
	// Retain evicts a fragment only after every attached subscriber
	// cursor has passed it.
	Retain Policy = iota
	// Drop discards everything below a new group's start as soon as the
	// group boundary is observed.
	Drop
)

// Intent mirrors wire.Intent without importing the wire package, keeping
// cache decoupled from the control-message codec.
type Intent int

const (
	IntentCurrentGroup Intent = iota
	IntentNextGroup
	IntentStartPoint
)

// QueryStatus distinguishes QueryNext's three outcomes (spec §4.3).
type QueryStatus int

const (
	QueryOK QueryStatus = iota
	QueryWouldBlock
	QueryEof
)

// Cursor is an opaque per-subscriber read position, created by
// AttachSubscriber and advanced by the caller after each QueryNext.
type Cursor struct {
	pos    quicrq.ObjectKey
	offset quicrq.Offset
	id     uint64
	wake   chan struct{}
}

// Advance moves the cursor to just past the given fragment, the normal
// step after a caller successfully consumes a QueryNext result.
func (c *Cursor) Advance(f quicrq.Fragment) {
	c.pos = f.Key()
	c.offset = f.End()
}

// Wake returns a channel that receives a value whenever an Insert extends
// the cache at or past this cursor's position (spec §4.3 "fan-out
// wake-up"). The channel is buffered (capacity 1); callers should drain it
// in a select alongside other event sources.
func (c *Cursor) Wake() <-chan struct{} { return c.wake }

type objectEntry struct {
	fragments      []quicrq.Fragment // sorted by Offset, pairwise disjoint
	lengthKnown    bool
	declaredLength quicrq.Offset
	complete       bool
}

// recomputeComplete reports whether the stored fragments, in order, cover
// [0, declaredLength) with no gaps. Fragments are kept distinct (not
// merged into one blob) so QueryNext can re-serve them as discrete wire
// fragments, so completeness is a contiguity walk rather than a length
// comparison against a single span.
func (o *objectEntry) recomputeComplete() {
	if !o.lengthKnown {
		o.complete = false
		return
	}
	var next quicrq.Offset
	for _, f := range o.fragments {
		if f.Offset != next {
			o.complete = false
			return
		}
		next = f.End()
	}
	o.complete = next == o.declaredLength
}

type groupEntry struct {
	objects   map[quicrq.ObjectID]*objectEntry
	nbObjects uint64
	nbKnown   bool
}

func newGroupEntry() *groupEntry {
	return &groupEntry{objects: make(map[quicrq.ObjectID]*objectEntry)}
}

// Cache is a per-URL fragment store.
type Cache struct {
	mu     sync.RWMutex
	policy Policy

	groups map[quicrq.GroupID]*groupEntry

	// hwGroup/hwObj is the next (group, object) not yet known to be fully
	// cached; hwLastKey is the last one that completed, which is what
	// HighWater reports.
	hwGroup   quicrq.GroupID
	hwObj     quicrq.ObjectID
	hwAny     bool // true once at least one object has ever completed
	hwLastKey quicrq.ObjectKey

	lowGroup quicrq.GroupID
	lowObj   quicrq.ObjectID

	finalKnown  bool
	finalGroup  quicrq.GroupID
	finalObject quicrq.ObjectID

	nextCursorID uint64
	subscribers  map[uint64]*Cursor
}

// New creates an empty cache with the given eviction policy.
func New(policy Policy) *Cache {
	return &Cache{
		policy:      policy,
		groups:      make(map[quicrq.GroupID]*groupEntry),
		subscribers: make(map[uint64]*Cursor),
	}
}

// SetPolicy changes the eviction policy (spec §4.3: set per URL by
// CACHE_POLICY, which may arrive after the cache already holds data).
func (c *Cache) SetPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

func (c *Cache) group(g quicrq.GroupID) *groupEntry {
	ge, ok := c.groups[g]
	if !ok {
		ge = newGroupEntry()
		c.groups[g] = ge
	}
	return ge
}

// Insert merges a fragment into the cache. It is idempotent for an exact
// byte-identical resend and returns xerrors.FragmentOverlapError when an
// overlapping region disagrees on content (spec §3 invariant).
func (c *Cache) Insert(f quicrq.Fragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.HasNbObjectsPreviousGroup {
		if f.GroupID == 0 {
			return xerrors.NewMalformed("cache.insert", fmt.Errorf("nb_objects_previous_group set on group 0"))
		}
		prev := c.group(f.GroupID - 1)
		if prev.nbKnown && prev.nbObjects != f.NbObjectsPreviousGroup {
			return xerrors.NewMalformed("cache.insert",
				fmt.Errorf("conflicting nb_objects_previous_group for group %d", f.GroupID-1))
		}
		prev.nbObjects = f.NbObjectsPreviousGroup
		prev.nbKnown = true
		if c.policy == Drop {
			c.dropBelow(f.GroupID, 0)
		}
	}

	ge := c.group(f.GroupID)
	oe, exists := ge.objects[f.ObjectID]
	if !exists {
		oe = &objectEntry{}
		ge.objects[f.ObjectID] = oe
	}
	if err := oe.insert(f); err != nil {
		return err
	}
	oe.recomputeComplete()

	c.advanceHighWater()
	c.wakeSubscribers(f.Key(), f.Offset)
	c.evictRetainLocked()
	return nil
}

// insert validates f against every existing fragment it overlaps, then
// stores only the sub-ranges of f not already covered (interval
// subtraction, same technique as reassembly.objectState.insert) so a
// resend that partially overlaps and partially extends an existing
// fragment keeps its new tail instead of being discarded whole.
func (o *objectEntry) insert(f quicrq.Fragment) error {
	end := f.End()
	if f.IsLastFragment {
		if o.lengthKnown && o.declaredLength != end {
			return xerrors.NewMalformed("cache.insert",
				fmt.Errorf("conflicting declared length: have %d, new %d", o.declaredLength, end))
		}
		o.lengthKnown = true
		o.declaredLength = end
	}
	if o.lengthKnown && end > o.declaredLength {
		return xerrors.NewMalformed("cache.insert",
			fmt.Errorf("fragment end %d exceeds declared length %d", end, o.declaredLength))
	}

	type interval struct{ start, end quicrq.Offset }
	uncovered := []interval{{f.Offset, end}}

	for _, existing := range o.fragments {
		if existing.Offset >= end || existing.End() <= f.Offset {
			continue
		}
		ovStart := maxOffset(existing.Offset, f.Offset)
		ovEnd := minOffset(existing.End(), end)
		a := existing.Payload[ovStart-existing.Offset : ovEnd-existing.Offset]
		b := f.Payload[ovStart-f.Offset : ovEnd-f.Offset]
		if !bytesEqual(a, b) {
			return xerrors.NewFragmentOverlap("cache.insert",
				fmt.Errorf("fragment [%d,%d) disagrees with cached [%d,%d)", f.Offset, end, existing.Offset, existing.End()))
		}

		var next []interval
		for _, iv := range uncovered {
			if existing.Offset >= iv.end || existing.End() <= iv.start {
				next = append(next, iv)
				continue
			}
			if iv.start < existing.Offset {
				next = append(next, interval{iv.start, existing.Offset})
			}
			if existing.End() < iv.end {
				next = append(next, interval{existing.End(), iv.end})
			}
		}
		uncovered = next
	}

	for _, iv := range uncovered {
		piece := quicrq.Fragment{
			GroupID:        f.GroupID,
			ObjectID:       f.ObjectID,
			Offset:         iv.start,
			Payload:        f.Payload[iv.start-f.Offset : iv.end-f.Offset],
			IsLastFragment: f.IsLastFragment && iv.end == end,
			Flags:          f.Flags,
		}
		o.fragments = append(o.fragments, piece)
	}
	if len(uncovered) > 0 {
		sort.Slice(o.fragments, func(i, j int) bool { return o.fragments[i].Offset < o.fragments[j].Offset })
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func maxOffset(a, b quicrq.Offset) quicrq.Offset {
	if a > b {
		return a
	}
	return b
}

func minOffset(a, b quicrq.Offset) quicrq.Offset {
	if a < b {
		return a
	}
	return b
}

// advanceHighWater walks the contiguous completion pointer forward past
// every object that is now fully cached, crossing group boundaries once
// their object count is known (mirrors reassembly.Buffer's cursor).
func (c *Cache) advanceHighWater() {
	for {
		ge, ok := c.groups[c.hwGroup]
		if ok && ge.nbKnown && c.hwObj >= ge.nbObjects {
			c.hwGroup++
			c.hwObj = 0
			continue
		}
		if !ok {
			return
		}
		oe, ok := ge.objects[c.hwObj]
		if !ok || !oe.complete {
			return
		}
		c.hwAny = true
		c.hwLastKey = quicrq.ObjectKey{Group: c.hwGroup, Object: c.hwObj}
		c.hwObj++
	}
}

func (c *Cache) dropBelow(group quicrq.GroupID, object quicrq.ObjectID) {
	for g := range c.groups {
		if g < group {
			delete(c.groups, g)
		}
	}
	c.lowGroup, c.lowObj = group, object
}

// evictRetainLocked implements spec §4.3's Retain policy: "a fragment is
// evicted only after every attached subscriber cursor has passed it."
// Objects strictly below the slowest attached cursor's position are
// deleted; the object the slowest cursor currently sits in is left intact
// even though some of its fragments may already be behind that cursor's
// offset, since eviction here works at object granularity like dropBelow.
// With no subscribers attached, nothing bounds retention yet, so this is a
// no-op — matching "memory-bounded only by live subscriber progress".
// Caller must hold c.mu for writing.
func (c *Cache) evictRetainLocked() {
	if c.policy != Retain {
		return
	}
	min, ok := c.minSubscriberPosLocked()
	if !ok {
		return
	}
	low := quicrq.ObjectKey{Group: c.lowGroup, Object: c.lowObj}
	if !low.Less(min) {
		return
	}
	for g := range c.groups {
		if g < min.Group {
			delete(c.groups, g)
		}
	}
	if ge, ok := c.groups[min.Group]; ok {
		for o := range ge.objects {
			if o < min.Object {
				delete(ge.objects, o)
			}
		}
	}
	c.lowGroup, c.lowObj = min.Group, min.Object
}

// minSubscriberPosLocked returns the slowest attached cursor's position, or
// false if no subscriber is attached. Caller must hold c.mu.
func (c *Cache) minSubscriberPosLocked() (quicrq.ObjectKey, bool) {
	var min quicrq.ObjectKey
	var any bool
	for _, cur := range c.subscribers {
		if !any || cur.pos.Less(min) {
			min = cur.pos
			any = true
		}
	}
	return min, any
}

// FinalObjectSeen records that the media ends at (group, object-1).
func (c *Cache) FinalObjectSeen(group quicrq.GroupID, object quicrq.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalKnown = true
	c.finalGroup = group
	c.finalObject = object
}

// HighWater returns the highest contiguously cached (group, object), and
// false if nothing has completed yet.
func (c *Cache) HighWater() (quicrq.ObjectKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hwAny {
		return quicrq.ObjectKey{}, false
	}
	return c.hwLastKey, true
}

// LowWater returns the lowest still-cached (group, object); fragments
// below this have been evicted.
func (c *Cache) LowWater() quicrq.ObjectKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return quicrq.ObjectKey{Group: c.lowGroup, Object: c.lowObj}
}

// AttachSubscriber creates a cursor positioned per intent (spec §4.3).
func (c *Cache) AttachSubscriber(intent Intent, startGroup quicrq.GroupID, startObject quicrq.ObjectID) (*Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pos quicrq.ObjectKey
	switch intent {
	case IntentCurrentGroup:
		pos = quicrq.ObjectKey{Group: c.currentGroupLocked(), Object: 0}
	case IntentNextGroup:
		pos = quicrq.ObjectKey{Group: c.currentGroupLocked() + 1, Object: 0}
	case IntentStartPoint:
		low := quicrq.ObjectKey{Group: c.lowGroup, Object: c.lowObj}
		want := quicrq.ObjectKey{Group: startGroup, Object: startObject}
		if want.Less(low) {
			return nil, xerrors.NewStartPointUnavailable("cache.attach_subscriber",
				fmt.Errorf("requested start %v is below low water %v", want, low))
		}
		pos = want
	default:
		return nil, xerrors.NewMalformed("cache.attach_subscriber", fmt.Errorf("invalid intent %d", intent))
	}

	c.nextCursorID++
	cur := &Cursor{pos: pos, id: c.nextCursorID, wake: make(chan struct{}, 1)}
	c.subscribers[cur.id] = cur
	return cur, nil
}

// DetachSubscriber removes a cursor, allowing Retain-policy eviction to
// progress past whatever it was still holding back.
func (c *Cache) DetachSubscriber(cur *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, cur.id)
	c.evictRetainLocked()
}

// currentGroupLocked returns the highest group with any cached data, or 0
// if the cache is empty. Caller must hold c.mu.
func (c *Cache) currentGroupLocked() quicrq.GroupID {
	var max quicrq.GroupID
	var any bool
	for g := range c.groups {
		if !any || g > max {
			max = g
			any = true
		}
	}
	return max
}

// QueryNext returns the next fragment at or after cur's position in
// canonical order, or QueryWouldBlock if it hasn't arrived yet, or
// QueryEof if the final-object marker is known and cur is past it.
func (c *Cache) QueryNext(cur *Cursor) (quicrq.Fragment, QueryStatus) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, o, localOffset := cur.pos.Group, cur.pos.Object, cur.offset
	for {
		ge, ok := c.groups[g]
		if !ok {
			break
		}
		oe, ok := ge.objects[o]
		if ok {
			for _, f := range oe.fragments {
				if f.End() > localOffset {
					return f, QueryOK
				}
			}
			if oe.complete && localOffset >= oe.declaredLength {
				// Fully consumed; advance to the next object, crossing
				// the group boundary once its object count is known.
				if ge.nbKnown && o+1 >= ge.nbObjects {
					g++
					o = 0
				} else {
					o++
				}
				localOffset = 0
				continue
			}
		}
		break
	}

	if c.finalKnown {
		past := g > c.finalGroup || (g == c.finalGroup && o >= c.finalObject)
		if past {
			return quicrq.Fragment{}, QueryEof
		}
	}
	return quicrq.Fragment{}, QueryWouldBlock
}

func (c *Cache) wakeSubscribers(at quicrq.ObjectKey, offset quicrq.Offset) {
	for _, cur := range c.subscribers {
		if cur.pos.Less(at) || (cur.pos == at && cur.offset <= offset) {
			select {
			case cur.wake <- struct{}{}:
			default:
			}
		}
	}
}
