package node

import (
	"context"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/fsm"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// serveControlSubscribe implements spec §4.7's announcement channel: a peer
// opens a stream with SUBSCRIBE for a URL it wants to know about, and this
// node replies with NOTIFY — immediately if the URL is currently published
// locally through Publish, otherwise as soon as the next local Publish or
// accepted POST for it happens. A URL that is only present in this node's
// cache (from an earlier POST or relay fetch) gets no immediate reply. One NOTIFY per
// stream is all the channel promises; the peer reopens REQUEST_STREAM or
// REQUEST_DATAGRAM on a fresh stream once notified.
func (n *Node) serveControlSubscribe(ctx context.Context, s transport.Stream, rawURL []byte, mach *fsm.Machine) {
	defer s.Close()

	url, err := quicrq.NewURL(rawURL)
	if err != nil {
		n.rejectStream(s, xerrors.NewMalformed("node.serve_control_subscribe", err))
		return
	}

	if _, ok := n.reg.Lookup(url); ok {
		if _, err := mach.OnSend(wire.KindNotify); err == nil {
			_ = wire.WriteMessage(s, &wire.Notify{URL: rawURL})
		}
		return
	}

	wait := n.registerControlWaiter(url.String())
	defer n.unregisterControlWaiter(url.String(), wait)

	select {
	case <-wait:
		if _, err := mach.OnSend(wire.KindNotify); err == nil {
			_ = wire.WriteMessage(s, &wire.Notify{URL: rawURL})
		}
	case <-ctx.Done():
	}
}

func (n *Node) registerControlWaiter(key string) chan struct{} {
	ch := make(chan struct{})
	n.controlMu.Lock()
	n.controlWaiters[key] = append(n.controlWaiters[key], ch)
	n.controlMu.Unlock()
	return ch
}

func (n *Node) unregisterControlWaiter(key string, ch chan struct{}) {
	n.controlMu.Lock()
	defer n.controlMu.Unlock()
	waiters := n.controlWaiters[key]
	for i, w := range waiters {
		if w == ch {
			n.controlWaiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(n.controlWaiters[key]) == 0 {
		delete(n.controlWaiters, key)
	}
}

// notifyPublished wakes every stream currently blocked in
// serveControlSubscribe waiting on url. It runs on every local Publish and
// on every accepted POST for url.
func (n *Node) notifyPublished(url quicrq.URL) {
	key := url.String()
	n.controlMu.Lock()
	waiters := n.controlWaiters[key]
	delete(n.controlWaiters, key)
	n.controlMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
