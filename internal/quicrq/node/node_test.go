package node

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alxayo/quicrq/internal/quicrq/registry"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
)

// scriptedDataFunc returns a registry.DataFunc that hands out chunks in
// order, each as its own last-fragment object, marking the media finished
// once the last chunk has gone out.
func scriptedDataFunc(chunks [][]byte) registry.DataFunc {
	idx := 0
	return func(action registry.DataAction, buf []byte) (registry.DataResult, error) {
		if action == registry.ActionClose {
			return registry.DataResult{}, nil
		}
		if idx >= len(chunks) {
			return registry.DataResult{IsMediaFinished: true}, nil
		}
		n := copy(buf, chunks[idx])
		idx++
		finished := idx >= len(chunks)
		return registry.DataResult{
			Len:             n,
			IsLastFragment:  true,
			IsMediaFinished: finished,
			IsStillActive:   !finished,
		}, nil
	}
}

func readAccept(t *testing.T, s transport.Stream) *wire.Accept {
	t.Helper()
	reply, err := wire.ReadMessage(s)
	if err != nil {
		t.Fatalf("read accept: %v", err)
	}
	accept, ok := reply.(*wire.Accept)
	if !ok {
		t.Fatalf("expected ACCEPT, got %T", reply)
	}
	return accept
}

func TestPublishAndSubscribeOverSingleStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln := newFakeListener("origin")
	dialer := &fakeDialer{ln: ln}
	n := New(Config{}, ln, nil)
	go func() { _ = n.Run(ctx) }()

	url := []byte("quicrq://origin/live/stream-a")
	if err := n.Publish(url, nil, scriptedDataFunc([][]byte{[]byte("hello "), []byte("world")}), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn, err := dialer.Dial(ctx, "origin")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := wire.WriteMessage(s, &wire.RequestStream{URL: url, Intent: wire.IntentCurrentGroup}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	accept := readAccept(t, s)
	if accept.TransportMode != wire.TransportSingleStream {
		t.Fatalf("expected single-stream mode, got %v", accept.TransportMode)
	}

	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < len("hello world") && time.Now().Before(deadline) {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			t.Fatalf("read fragment: %v", err)
		}
		f, ok := msg.(*wire.Fragment)
		if !ok {
			t.Fatalf("expected FRAGMENT, got %T", msg)
		}
		got = append(got, f.Payload...)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

// TestConcurrentAttachesDoNotDuplicateUpstreamFetch drives four concurrent
// subscribers through a relay node for a URL it has never touched before:
// all four must see the same fragment, and the relay must dial the origin
// exactly once.
func TestConcurrentAttachesDoNotDuplicateUpstreamFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	originLn := newFakeListener("origin")
	origin := New(Config{}, originLn, nil)
	go func() { _ = origin.Run(ctx) }()

	url := []byte("quicrq://origin/live/relayed")
	if err := origin.Publish(url, nil, scriptedDataFunc([][]byte{[]byte("abc")}), nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	relayLn := newFakeListener("relay")
	relayDialer := &fakeDialer{ln: originLn}
	relay := New(Config{RelayEnabled: true, Upstream: map[string]string{"quicrq://origin/": "origin"}}, relayLn, relayDialer)
	go func() { _ = relay.Run(ctx) }()

	clientDialer := &fakeDialer{ln: relayLn}

	const n = 4
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conn, err := clientDialer.Dial(ctx, "relay")
			if err != nil {
				return
			}
			s, err := conn.OpenStream(ctx)
			if err != nil {
				return
			}
			if err := wire.WriteMessage(s, &wire.RequestStream{URL: url, Intent: wire.IntentCurrentGroup}); err != nil {
				return
			}
			if _, err := wire.ReadMessage(s); err != nil {
				return
			}
			msg, err := wire.ReadMessage(s)
			if err != nil {
				return
			}
			if f, ok := msg.(*wire.Fragment); ok {
				results[idx] = string(f.Payload)
			}
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != "abc" {
			t.Fatalf("subscriber %d got %q, want %q", i, got, "abc")
		}
	}
	if dials := atomic.LoadInt64(&relayDialer.counter); dials != 1 {
		t.Fatalf("relay dialed the origin %d times, want 1", dials)
	}
}
