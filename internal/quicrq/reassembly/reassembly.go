// Package reassembly implements the per-subscription reassembly buffer
// (spec §4.2): a sparse ordered collection of groups/objects that merges
// incoming fragments into contiguous object byte strings and delivers them
// to the application in canonical (group, object) order.
//
// The sorted-insertion-with-overlap-trim shape is grounded on two sources:
// an RTMP per-stream assembly buffer (map-keyed state, lazy buffer
// allocation, completion detection by byte count), and a separate IP
// fragment reassembler (container/list-ordered fragment insertion with
// offset-range merging). Unlike both of those — which silently trim or
// replace overlapping bytes — this buffer treats a content-mismatched
// overlap as a protocol error (spec §3's invariant), since quicrq
// fragments must agree exactly where they overlap.
//
// Buffer is NOT safe for concurrent use: expected usage is a single read
// loop goroutine (spec §5: a subscription is driven by its owning
// connection's single goroutine).
package reassembly

import (
	"bytes"
	"container/list"
	"fmt"
	"time"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// Mode tags why an object's ready callback fired (spec §4.2).
type Mode int

const (
	// InSequence: first time seen, delivered in order.
	InSequence Mode = iota
	// Peek: object completed out of order (ahead of the contiguous
	// delivery cursor); fires immediately for monitoring. The cursor
	// will re-fire this same object as InSequence once it catches up.
	Peek
	// Repair: object was already delivered (InSequence or Peek) and a
	// further fragment for it arrived — e.g. a redundant repair/repeat.
	// No duplicate logging is expected by callers.
	Repair
)

func (m Mode) String() string {
	switch m {
	case InSequence:
		return "in_sequence"
	case Peek:
		return "peek"
	case Repair:
		return "repair"
	default:
		return "unknown"
	}
}

// OnReady is invoked once per (group, object) ready event, possibly more
// than once for the same object under Peek-then-InSequence or Repair.
type OnReady func(mode Mode, key quicrq.ObjectKey, data []byte, t time.Time)

// byteSpan is a half-open [Start, End) range held inside an object's
// fragment list, ordered by Start.
type byteSpan struct {
	start, end quicrq.Offset
	data       []byte // this span's bytes, len == end-start
}

type objectState struct {
	spans          *list.List // of *byteSpan, sorted and non-adjacent, non-overlapping
	received       quicrq.Offset
	lengthKnown    bool
	declaredLength quicrq.Offset
	complete       bool
	firedInSeq     bool
	firedPeek      bool
}

func newObjectState() *objectState {
	return &objectState{spans: list.New()}
}

// insert merges a fragment's bytes into this object's span list, returning
// xerrors.FragmentOverlapError if an overlapping region disagrees on
// content, or xerrors.MalformedError if a declared final length conflicts
// with an earlier one.
func (o *objectState) insert(offset quicrq.Offset, payload []byte, isLast bool) error {
	end := offset + quicrq.Offset(len(payload))
	if isLast {
		if o.lengthKnown && o.declaredLength != end {
			return xerrors.NewMalformed("reassembly.insert",
				fmt.Errorf("conflicting declared length: have %d, new fragment implies %d", o.declaredLength, end))
		}
		o.lengthKnown = true
		o.declaredLength = end
	}
	if o.lengthKnown && end > o.declaredLength {
		return xerrors.NewMalformed("reassembly.insert",
			fmt.Errorf("fragment end %d exceeds declared length %d", end, o.declaredLength))
	}

	// Subtract every existing span's coverage from [offset, end), validating
	// that any overlapping bytes agree with what's already stored. What's
	// left over after subtracting every span is genuinely new data.
	type interval struct{ start, end quicrq.Offset }
	uncovered := []interval{{offset, end}}

	for e := o.spans.Front(); e != nil; e = e.Next() {
		sp := e.Value.(*byteSpan)
		var next []interval
		for _, u := range uncovered {
			if sp.end <= u.start || sp.start >= u.end {
				next = append(next, u)
				continue
			}
			ovStart := maxOffset(sp.start, u.start)
			ovEnd := minOffset(sp.end, u.end)
			existing := sp.data[ovStart-sp.start : ovEnd-sp.start]
			incoming := payload[ovStart-offset : ovEnd-offset]
			if !bytes.Equal(existing, incoming) {
				return xerrors.NewFragmentOverlap("reassembly.insert",
					fmt.Errorf("fragment [%d,%d) disagrees with existing data at [%d,%d)", offset, end, ovStart, ovEnd))
			}
			if u.start < ovStart {
				next = append(next, interval{u.start, ovStart})
			}
			if ovEnd < u.end {
				next = append(next, interval{ovEnd, u.end})
			}
		}
		uncovered = next
	}

	for _, u := range uncovered {
		data := append([]byte(nil), payload[u.start-offset:u.end-offset]...)
		o.insertSpan(&byteSpan{start: u.start, end: u.end, data: data})
	}
	return nil
}

// insertSpan inserts a new, already-disjoint span into sorted position and
// coalesces it with any now-adjacent neighbors.
func (o *objectState) insertSpan(sp *byteSpan) {
	var at *list.Element
	for e := o.spans.Front(); e != nil; e = e.Next() {
		if e.Value.(*byteSpan).start >= sp.start {
			at = e
			break
		}
	}
	var inserted *list.Element
	if at != nil {
		inserted = o.spans.InsertBefore(sp, at)
	} else {
		inserted = o.spans.PushBack(sp)
	}
	o.received += quicrq.Offset(len(sp.data))

	// Coalesce with previous neighbor.
	if prev := inserted.Prev(); prev != nil {
		ps := prev.Value.(*byteSpan)
		if ps.end == sp.start {
			merged := append(append([]byte(nil), ps.data...), sp.data...)
			sp.start = ps.start
			sp.data = merged
			o.spans.Remove(prev)
		}
	}
	// Coalesce with next neighbor.
	if next := inserted.Next(); next != nil {
		ns := next.Value.(*byteSpan)
		if sp.end == ns.start {
			sp.data = append(sp.data, ns.data...)
			sp.end = ns.end
			o.spans.Remove(next)
		}
	}

	if o.lengthKnown && o.spans.Len() == 1 {
		only := o.spans.Front().Value.(*byteSpan)
		if only.start == 0 && only.end == o.declaredLength {
			o.complete = true
		}
	}
}

func (o *objectState) bytes() []byte {
	if o.spans.Len() != 1 {
		return nil
	}
	return o.spans.Front().Value.(*byteSpan).data
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

type groupState struct {
	objects    map[quicrq.ObjectID]*objectState
	nbObjects  uint64 // count of objects in THIS group, learned from next group's first fragment
	nbKnown    bool
}

func newGroupState() *groupState {
	return &groupState{objects: make(map[quicrq.ObjectID]*objectState)}
}

// Buffer is a per-subscription reassembly buffer (spec §4.2).
type Buffer struct {
	groups map[quicrq.GroupID]*groupState

	cursorGroup  quicrq.GroupID
	cursorObject quicrq.ObjectID
	started      bool

	finalKnown  bool
	finalGroup  quicrq.GroupID
	finalObject quicrq.ObjectID // media ends at (finalGroup, finalObject-1)

	finished bool
}

// NewBuffer creates an empty reassembly buffer whose delivery cursor
// starts at (0, 0) unless overridden by LearnStartPoint.
func NewBuffer() *Buffer {
	return &Buffer{groups: make(map[quicrq.GroupID]*groupState)}
}

func (b *Buffer) group(g quicrq.GroupID) *groupState {
	gs, ok := b.groups[g]
	if !ok {
		gs = newGroupState()
		b.groups[g] = gs
	}
	return gs
}

// LearnStartPoint informs the buffer that delivery starts at (group,
// objectID): the delivery cursor is placed there directly, and it returns
// an error if a start point was already set. Fragments for objects before
// the start point are treated as
// non-events rather than holes. Must be called before any Input for the
// adjustment to take effect (spec §4.2).
func (b *Buffer) LearnStartPoint(group quicrq.GroupID, objectID quicrq.ObjectID, t time.Time, onReady OnReady) error {
	if b.started {
		return xerrors.NewInternal("reassembly.learn_start_point", fmt.Errorf("start point already set"))
	}
	b.cursorGroup = group
	b.cursorObject = objectID
	b.started = true
	b.drain(onReady, t)
	return nil
}

// LearnFinalObjectID records that the media ends at (group, object-1).
func (b *Buffer) LearnFinalObjectID(group quicrq.GroupID, object quicrq.ObjectID) {
	b.finalKnown = true
	b.finalGroup = group
	b.finalObject = object
	b.updateFinished()
}

// Input merges one fragment into the buffer and invokes onReady for every
// object whose ready state changes as a result (spec §4.2's `input`).
func (b *Buffer) Input(t time.Time, f quicrq.Fragment, onReady OnReady) error {
	if f.HasNbObjectsPreviousGroup {
		prevGroup := f.GroupID
		if prevGroup == 0 {
			return xerrors.NewMalformed("reassembly.input", fmt.Errorf("nb_objects_previous_group set on group 0"))
		}
		prevGroup--
		pg := b.group(prevGroup)
		if pg.nbKnown && pg.nbObjects != f.NbObjectsPreviousGroup {
			return xerrors.NewMalformed("reassembly.input",
				fmt.Errorf("conflicting nb_objects_previous_group for group %d: have %d, new %d", prevGroup, pg.nbObjects, f.NbObjectsPreviousGroup))
		}
		pg.nbObjects = f.NbObjectsPreviousGroup
		pg.nbKnown = true
	}

	key := f.Key()
	gs := b.group(f.GroupID)
	os, exists := gs.objects[f.ObjectID]
	wasComplete := exists && os.complete
	if !exists {
		os = newObjectState()
		gs.objects[f.ObjectID] = os
	}

	if err := os.insert(f.Offset, f.Payload, f.IsLastFragment); err != nil {
		return err
	}

	switch {
	case wasComplete:
		if onReady != nil {
			onReady(Repair, key, os.bytes(), t)
		}
	case os.complete:
		b.deliverFirstCompletion(gs, key, os, onReady, t)
	}
	// Always re-attempt the drain: learning nb_objects_previous_group on a
	// fragment whose own object isn't complete yet can still be exactly the
	// missing piece of information that lets the cursor cross a group
	// boundary it was already stalled at.
	b.drain(onReady, t)
	b.updateFinished()
	return nil
}

func (b *Buffer) deliverFirstCompletion(gs *groupState, key quicrq.ObjectKey, os *objectState, onReady OnReady, t time.Time) {
	cursor := quicrq.ObjectKey{Group: b.cursorGroup, Object: b.cursorObject}
	if cursor.Less(key) {
		// Completed ahead of the contiguous cursor: surface it early for
		// monitoring. drain() re-fires it as InSequence once the cursor
		// catches up.
		os.firedPeek = true
		if onReady != nil {
			onReady(Peek, key, os.bytes(), t)
		}
	}
	// key == cursor is handled by drain(). key.Less(cursor) happens only for
	// objects the cursor skipped without completing them (before a start
	// point, or past a group boundary); no event fires for those.
}

// normalizeCursor jumps the cursor across any group whose object count is
// now known to have already been fully delivered. This handles the case
// where nb_objects_previous_group for a group arrives only after the
// cursor has already advanced, speculatively, partway through it: once the
// true object count is known, a cursor sitting past that count is
// equivalent to "start of the next group".
func (b *Buffer) normalizeCursor() {
	for {
		gs, ok := b.groups[b.cursorGroup]
		if !ok || !gs.nbKnown || b.cursorObject < gs.nbObjects {
			return
		}
		b.cursorGroup++
		b.cursorObject = 0
	}
}

// drain advances the contiguous delivery cursor as far as completed
// objects allow, firing InSequence for each (re-firing objects that were
// previously delivered only via Peek).
func (b *Buffer) drain(onReady OnReady, t time.Time) {
	for {
		b.normalizeCursor()
		gs, ok := b.groups[b.cursorGroup]
		if !ok {
			return
		}
		os, ok := gs.objects[b.cursorObject]
		if !ok || !os.complete {
			return
		}
		if !os.firedInSeq {
			os.firedInSeq = true
			if onReady != nil {
				onReady(InSequence, quicrq.ObjectKey{Group: b.cursorGroup, Object: b.cursorObject}, os.bytes(), t)
			}
		}
		b.cursorObject++
	}
}

func (b *Buffer) updateFinished() {
	if !b.finalKnown {
		return
	}
	if b.cursorGroup > b.finalGroup {
		b.finished = true
		return
	}
	if b.cursorGroup == b.finalGroup && b.cursorObject >= b.finalObject {
		b.finished = true
	}
}

// IsFinished reports whether the contiguous delivery pointer has reached
// the learned final object (spec §4.2).
func (b *Buffer) IsFinished() bool { return b.finished }
