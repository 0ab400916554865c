package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/cache"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

type fakeSubscription struct {
	frags chan quicrq.Fragment
	sp    chan quicrq.ObjectKey
	err   error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		frags: make(chan quicrq.Fragment, 16),
		sp:    make(chan quicrq.ObjectKey, 1),
	}
}

func (f *fakeSubscription) Fragments() <-chan quicrq.Fragment   { return f.frags }
func (f *fakeSubscription) StartPoint() <-chan quicrq.ObjectKey { return f.sp }
func (f *fakeSubscription) Err() error                          { return f.err }
func (f *fakeSubscription) Close() error                        { close(f.frags); close(f.sp); return nil }

type fakeOpener struct {
	mu      sync.Mutex
	opened  int
	subs    map[string]*fakeSubscription
	failErr error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{subs: make(map[string]*fakeSubscription)}
}

func (o *fakeOpener) OpenUpstream(ctx context.Context, url quicrq.URL, mode wire.TransportMode) (UpstreamSubscription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failErr != nil {
		return nil, o.failErr
	}
	o.opened++
	sub := newFakeSubscription()
	o.subs[url.Key()] = sub
	return sub, nil
}

func (o *fakeOpener) subFor(url quicrq.URL) *fakeSubscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subs[url.Key()]
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

func mustURL(t *testing.T, raw string) quicrq.URL {
	t.Helper()
	u, err := quicrq.NewURL([]byte(raw))
	if err != nil {
		t.Fatalf("NewURL(%q): %v", raw, err)
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestAttachOpensUpstreamOnFirstRequest(t *testing.T) {
	opener := newFakeOpener()
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")

	_, cur, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if cur == nil {
		t.Fatalf("expected a cursor")
	}
	if opener.openCount() != 1 {
		t.Fatalf("openCount = %d, want 1", opener.openCount())
	}
}

func TestAttachCollapsesConcurrentRequestsOntoOneUpstream(t *testing.T) {
	opener := newFakeOpener()
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0)
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Attach[%d]: %v", i, err)
		}
	}
	if opener.openCount() != 1 {
		t.Fatalf("openCount = %d, want exactly 1 upstream subscription", opener.openCount())
	}
}

func TestAttachSecondRequestServesFromCacheWithoutReopeningUpstream(t *testing.T) {
	opener := newFakeOpener()
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")

	if _, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	if _, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0); err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if opener.openCount() != 1 {
		t.Fatalf("openCount = %d, want 1 (second request reused the existing cache entry)", opener.openCount())
	}
}

func TestBridgeInsertsUpstreamFragmentsIntoCache(t *testing.T) {
	opener := newFakeOpener()
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")

	c, cur, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sub := opener.subFor(u)
	sub.frags <- quicrq.Fragment{GroupID: 0, ObjectID: 0, Offset: 0, Payload: []byte("hello"), IsLastFragment: true}

	waitFor(t, func() bool {
		_, status := c.QueryNext(cur)
		return status == cache.QueryOK
	})
	f, status := c.QueryNext(cur)
	if status != cache.QueryOK || string(f.Payload) != "hello" {
		t.Fatalf("QueryNext = %+v, %v", f, status)
	}
}

func TestStartPointForwardedToRegisteredListener(t *testing.T) {
	opener := newFakeOpener()
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")

	if _, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got := make(chan quicrq.ObjectKey, 1)
	unregister := r.OnStartPoint(u, func(sp quicrq.ObjectKey) { got <- sp })
	defer unregister()

	sub := opener.subFor(u)
	want := quicrq.ObjectKey{Group: 3, Object: 0}
	sub.sp <- want

	select {
	case sp := <-got:
		if sp != want {
			t.Fatalf("got start point %v, want %v", sp, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("start point never forwarded")
	}
}

func TestUnregisteredStartPointListenerIsNotCalled(t *testing.T) {
	opener := newFakeOpener()
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")
	if _, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	called := false
	unregister := r.OnStartPoint(u, func(quicrq.ObjectKey) { called = true })
	unregister()

	sub := opener.subFor(u)
	sub.sp <- quicrq.ObjectKey{Group: 1, Object: 0}
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("unregistered listener was called")
	}
}

func TestAttachFailsSourceUnknownWithoutOpener(t *testing.T) {
	r := New(nil, nil)
	u := mustURL(t, "quicrq://example/live")
	_, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0)
	if err == nil {
		t.Fatalf("expected an error with no upstream opener configured")
	}
	if !xerrors.IsSourceUnknown(err) {
		t.Fatalf("expected a SourceUnknown error, got %v (%T)", err, err)
	}
}

func TestAttachPropagatesOpenerError(t *testing.T) {
	opener := newFakeOpener()
	opener.failErr = errors.New("dial failed")
	r := New(opener, nil)
	u := mustURL(t, "quicrq://example/live")
	_, _, err := r.Attach(context.Background(), u, wire.TransportSingleStream, cache.IntentCurrentGroup, 0, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !xerrors.IsSourceUnknown(err) {
		t.Fatalf("expected SourceUnknown, got %v (%T)", err, err)
	}
}

func TestCacheIntentConversion(t *testing.T) {
	cases := []struct {
		in   wire.Intent
		want cache.Intent
	}{
		{wire.IntentCurrentGroup, cache.IntentCurrentGroup},
		{wire.IntentNextGroup, cache.IntentNextGroup},
		{wire.IntentStartPoint, cache.IntentStartPoint},
	}
	for _, tc := range cases {
		if got := CacheIntent(tc.in); got != tc.want {
			t.Fatalf("CacheIntent(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
