package node

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/datagram"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
)

// upstreamSubscription is the client side of relay.UpstreamSubscription:
// one REQUEST_STREAM/REQUEST_DATAGRAM sent on a freshly dialed connection
// to a next hop, feeding whatever comes back into buffered channels the
// bridge goroutine drains.
type upstreamSubscription struct {
	conn transport.Connection
	s    transport.Stream

	frags chan quicrq.Fragment
	sp    chan quicrq.ObjectKey

	closeOnce sync.Once
	done      chan struct{}
	err       error
	errMu     sync.Mutex
}

func (u *upstreamSubscription) Fragments() <-chan quicrq.Fragment { return u.frags }
func (u *upstreamSubscription) StartPoint() <-chan quicrq.ObjectKey { return u.sp }

func (u *upstreamSubscription) Err() error {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	return u.err
}

func (u *upstreamSubscription) setErr(err error) {
	u.errMu.Lock()
	u.err = err
	u.errMu.Unlock()
}

func (u *upstreamSubscription) Close() error {
	u.closeOnce.Do(func() {
		_ = u.s.Close()
		close(u.done)
	})
	return nil
}

// dialUpstreamSubscription opens one request stream against conn — the
// relay side of spec §4.6's "open an upstream subscription through the
// pre-configured next-hop connection" — and starts the goroutines that
// translate whatever the next hop sends back into fragments/start-points
// for relay.Relay's bridge to insert into the local cache.
func dialUpstreamSubscription(ctx context.Context, conn transport.Connection, url quicrq.URL, mode wire.TransportMode) (*upstreamSubscription, error) {
	s, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("node: open upstream request stream: %w", err)
	}

	u := &upstreamSubscription{
		conn:  conn,
		s:     s,
		frags: make(chan quicrq.Fragment, 64),
		sp:    make(chan quicrq.ObjectKey, 1),
		done:  make(chan struct{}),
	}

	var req wire.Message
	rawURL := []byte(url.String())
	if mode == wire.TransportDatagram {
		req = &wire.RequestDatagram{URL: rawURL, Intent: wire.IntentCurrentGroup}
	} else {
		req = &wire.RequestStream{URL: rawURL, Intent: wire.IntentCurrentGroup}
	}
	if err := wire.WriteMessage(s, req); err != nil {
		return nil, fmt.Errorf("node: send upstream request: %w", err)
	}

	reply, err := wire.ReadMessage(s)
	if err != nil {
		return nil, fmt.Errorf("node: read upstream accept: %w", err)
	}
	accept, ok := reply.(*wire.Accept)
	if !ok {
		return nil, fmt.Errorf("node: upstream replied %T, expected ACCEPT", reply)
	}

	if mode == wire.TransportDatagram {
		go u.receiveDatagrams(ctx, accept.MediaID)
	} else {
		go u.readStream()
	}
	return u, nil
}

// readStream drains FRAGMENT/START_POINT messages off the request stream
// for TransportSingleStream subscriptions until the upstream closes it.
func (u *upstreamSubscription) readStream() {
	defer close(u.frags)
	defer close(u.sp)
	for {
		msg, err := wire.ReadMessage(u.s)
		if err != nil {
			if err != io.EOF {
				u.setErr(err)
			}
			return
		}
		switch m := msg.(type) {
		case *wire.Fragment:
			select {
			case u.frags <- fromWire(m):
			case <-u.done:
				return
			}
		case *wire.StartPoint:
			select {
			case u.sp <- quicrq.ObjectKey{Group: m.GroupID, Object: m.ObjectID}:
			default:
			}
		case *wire.FinDatagram:
			return
		default:
			u.setErr(fmt.Errorf("node: unexpected %T on upstream request stream", m))
			return
		}
	}
}

// receiveDatagrams drains conn's shared datagram channel for frames tagged
// with mediaID, the one this subscription's ACCEPT assigned. Since this
// connection was dialed solely to serve this subscription, no dispatcher
// demultiplexing across subscriptions is needed here.
func (u *upstreamSubscription) receiveDatagrams(ctx context.Context, mediaID uint64) {
	defer close(u.frags)
	defer close(u.sp)
	for {
		raw, err := u.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				u.setErr(err)
			}
			return
		}
		id, frag, err := datagram.DecodeFrame(raw)
		if err != nil || id != mediaID {
			continue
		}
		select {
		case u.frags <- fromWire(frag):
		case <-u.done:
			return
		}
	}
}
