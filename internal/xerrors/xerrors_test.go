package xerrors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsProtocolClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	um := NewUnexpectedMessage("fsm.transition", wrapped)
	if !IsProtocol(um) {
		t.Fatalf("expected IsProtocol=true for unexpected-message error")
	}
	if !stdErrors.Is(um, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var ue *UnexpectedMessageError
	if !stdErrors.As(um, &ue) {
		t.Fatalf("expected errors.As to *UnexpectedMessageError")
	}
	if ue.Op != "fsm.transition" {
		t.Fatalf("unexpected op: %s", ue.Op)
	}

	if !IsProtocol(NewMalformed("wire.decode", nil)) {
		t.Fatalf("expected malformed error classified as protocol")
	}
	if !IsProtocol(NewFragmentOverlap("cache.insert", nil)) {
		t.Fatalf("expected fragment overlap classified as protocol")
	}
	if !IsProtocol(NewSourceUnknown("registry.lookup", nil)) {
		t.Fatalf("expected source unknown classified as protocol")
	}
	if !IsProtocol(NewInternal("node.alloc", stdErrors.New("oom"))) {
		t.Fatalf("expected internal error classified as protocol")
	}
}

func TestCloseCodes(t *testing.T) {
	cases := []struct {
		err  error
		want uint64
	}{
		{NewMalformed("x", nil), CloseCodeMalformed},
		{NewUnexpectedMessage("x", nil), CloseCodeUnexpectedMessage},
		{NewStartPointUnavailable("x", nil), CloseCodeStartPointUnavail},
		{NewSourceUnknown("x", nil), CloseCodeSourceUnknown},
		{NewInternal("x", nil), CloseCodeNone},
		{stdErrors.New("plain"), CloseCodeNone},
	}
	for _, c := range cases {
		if got := CloseCodeFor(c.err); got != c.want {
			t.Fatalf("CloseCodeFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeout("fsm.wait_accept", 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if IsProtocol(to) {
		t.Fatalf("timeout should NOT be protocol error")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("eof")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewUnexpectedMessage("fsm.read", l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var qm quicrqMarker
	if !stdErrors.As(l2, &qm) {
		t.Fatalf("expected to match quicrqMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if IsProtocol(nil) {
		t.Fatalf("nil should not be protocol error")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
}

func TestStartPointAndSourceUnknownPredicates(t *testing.T) {
	spu := NewStartPointUnavailable("cache.attach_subscriber", nil)
	if !IsStartPointUnavailable(spu) {
		t.Fatalf("expected IsStartPointUnavailable=true")
	}
	if IsSourceUnknown(spu) {
		t.Fatalf("start point error misclassified as source unknown")
	}

	su := NewSourceUnknown("registry.subscribe", nil)
	if !IsSourceUnknown(su) {
		t.Fatalf("expected IsSourceUnknown=true")
	}
	if IsStartPointUnavailable(su) {
		t.Fatalf("source unknown error misclassified as start point unavailable")
	}
}

func TestNegativePredicates(t *testing.T) {
	if IsProtocol(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be protocol")
	}
	if IsTimeout(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be timeout")
	}
}
