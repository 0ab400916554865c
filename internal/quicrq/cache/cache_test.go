package cache

import (
	"testing"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/xerrors"
)

func frag(group, object, offset quicrq.GroupID, payload string, isLast bool) quicrq.Fragment {
	return quicrq.Fragment{GroupID: group, ObjectID: object, Offset: offset, Payload: []byte(payload), IsLastFragment: isLast}
}

func TestInsertAndQueryNextBasic(t *testing.T) {
	c := New(Retain)
	if err := c.Insert(frag(0, 0, 0, "hello", true)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	cur, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("AttachSubscriber: %v", err)
	}
	f, status := c.QueryNext(cur)
	if status != QueryOK {
		t.Fatalf("expected QueryOK, got %v", status)
	}
	if string(f.Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", f.Payload)
	}
	cur.Advance(f)
	if _, status := c.QueryNext(cur); status != QueryWouldBlock {
		t.Fatalf("expected QueryWouldBlock after consuming only fragment, got %v", status)
	}
}

func TestInsertIdempotentExactResend(t *testing.T) {
	c := New(Retain)
	if err := c.Insert(frag(0, 0, 0, "hello", true)); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if err := c.Insert(frag(0, 0, 0, "hello", true)); err != nil {
		t.Fatalf("Insert 2 (resend): %v", err)
	}
}

func TestInsertOverlapDisagreementIsProtocolError(t *testing.T) {
	c := New(Retain)
	if err := c.Insert(frag(0, 0, 0, "hello", false)); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	bad := frag(0, 0, 2, "XXX", false)
	err := c.Insert(bad)
	if err == nil || !xerrors.IsProtocol(err) {
		t.Fatalf("expected protocol error for disagreeing overlap, got %v", err)
	}
}

func TestInsertOverlapAgreementKeepsExtendedTail(t *testing.T) {
	c := New(Retain)
	if err := c.Insert(frag(0, 0, 0, "hello", false)); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	// Overlaps bytes [2,5) with agreeing content and extends to [2,11).
	if err := c.Insert(frag(0, 0, 2, "llo world", true)); err != nil {
		t.Fatalf("Insert 2: %v", err)
	}
	cur, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("AttachSubscriber: %v", err)
	}
	var got []byte
	for {
		f, status := c.QueryNext(cur)
		if status != QueryOK {
			break
		}
		got = append(got, f.Payload...)
		cur.Advance(f)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected merged tail to survive, got %q", got)
	}
}

func TestAttachSubscriberStartPointBelowLowWaterFails(t *testing.T) {
	c := New(Drop)
	f := frag(5, 0, 0, "x", true)
	f.HasNbObjectsPreviousGroup = true
	f.NbObjectsPreviousGroup = 0
	if err := c.Insert(f); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// low water is dragged up to group 5 by the Drop policy.
	if _, err := c.AttachSubscriber(IntentStartPoint, 0, 0); !xerrors.IsStartPointUnavailable(err) {
		t.Fatalf("expected start point unavailable, got %v", err)
	}
}

func TestFinalObjectSeenYieldsEofPastEnd(t *testing.T) {
	c := New(Retain)
	if err := c.Insert(frag(0, 0, 0, "only", true)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.FinalObjectSeen(0, 1)
	cur, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("AttachSubscriber: %v", err)
	}
	f, status := c.QueryNext(cur)
	if status != QueryOK {
		t.Fatalf("expected QueryOK for the only object, got %v", status)
	}
	cur.Advance(f)
	if _, status := c.QueryNext(cur); status != QueryEof {
		t.Fatalf("expected QueryEof past final object, got %v", status)
	}
}

func TestHighWaterAdvancesAcrossGroupBoundary(t *testing.T) {
	c := New(Retain)
	if err := c.Insert(frag(0, 0, 0, "a", true)); err != nil {
		t.Fatalf("g0o0: %v", err)
	}
	if _, ok := c.HighWater(); !ok {
		t.Fatalf("expected high water known after first completed object")
	}
	f := frag(1, 0, 0, "b", true)
	f.HasNbObjectsPreviousGroup = true
	f.NbObjectsPreviousGroup = 1
	if err := c.Insert(f); err != nil {
		t.Fatalf("g1o0: %v", err)
	}
	hw, ok := c.HighWater()
	if !ok || hw.Group != 1 || hw.Object != 0 {
		t.Fatalf("expected high water (1,0), got %v ok=%v", hw, ok)
	}
}

func TestWakeSignaledOnInsert(t *testing.T) {
	c := New(Retain)
	cur, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("AttachSubscriber: %v", err)
	}
	select {
	case <-cur.Wake():
		t.Fatalf("should not be woken before any insert")
	default:
	}
	if err := c.Insert(frag(0, 0, 0, "hi", true)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	select {
	case <-cur.Wake():
	default:
		t.Fatalf("expected wake signal after insert at cursor position")
	}
}

func TestDropPolicyEvictsBelowNewGroup(t *testing.T) {
	c := New(Drop)
	if err := c.Insert(frag(0, 0, 0, "a", true)); err != nil {
		t.Fatalf("g0o0: %v", err)
	}
	f := frag(1, 0, 0, "b", true)
	f.HasNbObjectsPreviousGroup = true
	f.NbObjectsPreviousGroup = 1
	if err := c.Insert(f); err != nil {
		t.Fatalf("g1o0: %v", err)
	}
	lw := c.LowWater()
	if lw.Group != 1 {
		t.Fatalf("expected low water dragged to group 1 under Drop policy, got %v", lw)
	}
}

func TestDetachSubscriberRemovesCursor(t *testing.T) {
	c := New(Retain)
	cur, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("AttachSubscriber: %v", err)
	}
	c.DetachSubscriber(cur)
	if len(c.subscribers) != 0 {
		t.Fatalf("expected subscriber removed, still have %d", len(c.subscribers))
	}
}

func TestRetainPolicyEvictsOnceAllCursorsPass(t *testing.T) {
	c := New(Retain)
	for g := quicrq.GroupID(0); g < 3; g++ {
		if err := c.Insert(frag(g, 0, 0, "x", true)); err != nil {
			t.Fatalf("insert g%d: %v", g, err)
		}
	}
	if len(c.groups) != 3 {
		t.Fatalf("expected 3 groups cached before any subscriber attaches, got %d", len(c.groups))
	}

	curA, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("attach curA: %v", err)
	}
	curB, err := c.AttachSubscriber(IntentStartPoint, 0, 0)
	if err != nil {
		t.Fatalf("attach curB: %v", err)
	}

	// curB advances to group 2; curA, the slower cursor, still holds group
	// 0 back, so nothing below group 0 should evict yet.
	curB.Advance(frag(2, 0, 0, "x", true))
	if err := c.Insert(frag(3, 0, 0, "x", true)); err != nil {
		t.Fatalf("insert g3: %v", err)
	}
	if _, ok := c.groups[0]; !ok {
		t.Fatalf("expected group 0 retained while curA has not passed it")
	}

	// curA now catches up to group 2; group 0 and 1 are behind every
	// attached cursor and should be evicted.
	curA.Advance(frag(2, 0, 0, "x", true))
	if err := c.Insert(frag(4, 0, 0, "x", true)); err != nil {
		t.Fatalf("insert g4: %v", err)
	}
	if _, ok := c.groups[0]; ok {
		t.Fatalf("expected group 0 evicted once every attached cursor passed it")
	}
	if _, ok := c.groups[1]; ok {
		t.Fatalf("expected group 1 evicted once every attached cursor passed it")
	}
	lw := c.LowWater()
	if lw.Group != 2 {
		t.Fatalf("expected low water at group 2 (slowest cursor's position), got %v", lw)
	}

	c.DetachSubscriber(curA)
	c.DetachSubscriber(curB)
	if err := c.Insert(frag(5, 0, 0, "x", true)); err != nil {
		t.Fatalf("insert g5: %v", err)
	}
	if _, ok := c.groups[2]; !ok {
		t.Fatalf("expected group 2 retained: no attached subscriber yet bounds eviction past it")
	}
}
