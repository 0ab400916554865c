// Package node is quicrq's connection/context root (spec.md §2's
// "Connection/Context root" row, SPEC_FULL.md §4.9): it owns the clock, the
// media source registry, one cache per URL it has ever touched (via the
// embedded relay.Relay), the live per-connection transport.Connection
// table, and node-wide policy, and drives the accept loop that turns wire
// messages arriving on those connections into calls against the
// already-built wire/fsm/cache/relay/registry/datagram packages.
//
// Shaped like an RTMP server.Server: config struct with applyDefaults, a
// listener field, a mutex-guarded connection map, an accept loop spawning
// one goroutine per connection, and a Stop that closes the listener then
// every live connection before waiting on a WaitGroup. Generalized from one
// TCP listener serving one protocol role to a QUIC node that is
// simultaneously origin, relay, and subscriber depending on what each
// request asks for.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/cache"
	"github.com/alxayo/quicrq/internal/quicrq/datagram"
	"github.com/alxayo/quicrq/internal/quicrq/fsm"
	"github.com/alxayo/quicrq/internal/quicrq/registry"
	"github.com/alxayo/quicrq/internal/quicrq/relay"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// Node is one quicrq endpoint: a listener plus everything needed to serve,
// relay, or originate any number of URLs concurrently.
type Node struct {
	cfg    Config
	log    zerolog.Logger
	clock  clockwork.Clock
	reg    *registry.Registry
	relay  *relay.Relay
	dialer transport.Dialer

	mu    sync.Mutex
	conns map[string]transport.Connection
	ln    transport.Listener

	mediaIDCounter uint64

	controlMu      sync.Mutex
	controlWaiters map[string][]chan struct{}

	wg sync.WaitGroup
}

// New creates a Node bound to ln, dialing upstream connections (for relay
// fetches) through dialer. dialer may be nil for a node that never relays.
func New(cfg Config, ln transport.Listener, dialer transport.Dialer) *Node {
	cfg.applyDefaults()
	log := logger.Logger().With().Str("component", "node").Logger()
	n := &Node{
		cfg:    cfg,
		log:    log,
		clock:  clockwork.NewRealClock(),
		reg:    registry.New(),
		dialer: dialer,
		conns:  make(map[string]transport.Connection),
		ln:     ln,
		controlWaiters: make(map[string][]chan struct{}),
	}
	n.relay = relay.New(upstreamOpener{n}, &log)
	return n
}

// cachePolicyFor resolves the configured policy for url, falling back to
// the node-wide default (spec §4.3's CACHE_POLICY can still override it
// later, per URL, via SetPolicy).
func (n *Node) cachePolicyFor(url string) cache.Policy {
	name, ok := n.cfg.CachePolicyByURL[url]
	if !ok {
		name = n.cfg.DefaultCachePolicy
	}
	if name == CachePolicyDrop {
		return cache.Drop
	}
	return cache.Retain
}

// upstreamOpener adapts Node's configured next-hop table into
// relay.UpstreamOpener, so relay.Relay never needs to know about transport
// dialing or the wire codec used to speak to the next hop.
type upstreamOpener struct{ n *Node }

func (o upstreamOpener) OpenUpstream(ctx context.Context, url quicrq.URL, mode wire.TransportMode) (relay.UpstreamSubscription, error) {
	return o.n.openUpstream(ctx, url, mode)
}

func (n *Node) nextHopFor(url string) (string, bool) {
	if !n.cfg.RelayEnabled {
		return "", false
	}
	best := ""
	addr := ""
	for prefix, a := range n.cfg.Upstream {
		if len(prefix) > len(best) && len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			best, addr = prefix, a
		}
	}
	return addr, best != ""
}

func (n *Node) openUpstream(ctx context.Context, url quicrq.URL, mode wire.TransportMode) (relay.UpstreamSubscription, error) {
	addr, ok := n.nextHopFor(url.String())
	if !ok || n.dialer == nil {
		return nil, fmt.Errorf("node: no upstream configured for %s", url)
	}
	conn, err := n.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("node: dial upstream %s: %w", addr, err)
	}
	return dialUpstreamSubscription(ctx, conn, url, mode)
}

// Publish registers a locally-produced source (spec §4.7/§6) and starts an
// ingest goroutine that pulls data via data until IsMediaFinished or
// !IsStillActive, inserting every chunk into this node's cache for url so
// it can be served to subscribers and relayed upstream-of-itself to
// whatever else depends on this node.
func (n *Node) Publish(rawURL []byte, subscribe registry.SubscribeFunc, data registry.DataFunc, destroy registry.DestroyFunc) error {
	url, err := quicrq.NewURL(rawURL)
	if err != nil {
		return err
	}
	if err := n.reg.Publish(url, subscribe, data, destroy); err != nil {
		return err
	}
	c := n.relay.CacheFor(url)
	c.SetPolicy(n.cachePolicyFor(url.String()))

	src, _ := n.reg.Lookup(url)
	n.wg.Add(1)
	go n.ingest(url, src, c)
	n.notifyPublished(url)
	return nil
}

// Unpublish stops serving url as a local source. In-flight subscribers keep
// reading whatever is already cached; no new upstream fetch will succeed
// once the cache this node holds for url is eventually evicted.
func (n *Node) Unpublish(rawURL []byte) error {
	url, err := quicrq.NewURL(rawURL)
	if err != nil {
		return err
	}
	return n.reg.Unpublish(url)
}

// ingest pulls from src.Data in a loop, translating spec §6's data_cb
// return tuple into cache.Insert calls: is_new_group advances the group
// counter, is_last_fragment closes the current object out, and
// is_media_finished marks the final object so subscriber cursors can reach
// QueryEof instead of blocking forever.
func (n *Node) ingest(url quicrq.URL, src *registry.Source, c *cache.Cache) {
	defer n.wg.Done()
	buf := make([]byte, 64*1024)
	var group, object quicrq.GroupID
	var offset quicrq.Offset

	for {
		res, err := src.Data(registry.ActionGetData, buf)
		if err != nil {
			n.log.Warn().Err(err).Str("url", url.String()).Msg("node: ingest data_cb failed, stopping")
			break
		}
		if res.Len > 0 {
			payload := append([]byte(nil), buf[:res.Len]...)
			f := quicrq.Fragment{
				GroupID:        group,
				ObjectID:       object,
				Offset:         offset,
				IsLastFragment: res.IsLastFragment,
				Payload:        payload,
			}
			if err := c.Insert(f); err != nil {
				n.log.Warn().Err(err).Str("url", url.String()).Msg("node: ingest cache insert failed")
			}
			offset += quicrq.Offset(res.Len)
		}
		if res.IsLastFragment {
			object++
			offset = 0
		}
		if res.IsNewGroup {
			group++
			object = 0
			offset = 0
		}
		if res.IsMediaFinished {
			c.FinalObjectSeen(group, object)
			break
		}
		if !res.IsStillActive {
			break
		}
	}
	_, _ = src.Data(registry.ActionClose, nil)
}

// Run accepts connections until ctx is cancelled, handling each on its own
// goroutine. It returns once the listener is closed and every in-flight
// connection goroutine has exited.
func (n *Node) Run(ctx context.Context) error {
	defer n.wg.Wait()
	for {
		conn, err := n.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			n.log.Warn().Err(err).Msg("node: accept failed")
			return err
		}
		connID := uuid.NewString()
		n.mu.Lock()
		n.conns[connID] = conn
		n.mu.Unlock()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleConnection(ctx, connID, conn)
			n.mu.Lock()
			delete(n.conns, connID)
			n.mu.Unlock()
		}()
	}
}

// Close tears down the listener and every live connection.
func (n *Node) Close() error {
	err := n.ln.Close()
	n.mu.Lock()
	conns := make([]transport.Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(xerrors.CloseCodeNone, "node shutting down")
	}
	n.wg.Wait()
	return err
}

// handleConnection runs the control-stream accept loop and the datagram
// receive loop for one connection side by side, per the implementation
// note in SPEC_FULL.md §4.9: one errgroup per connection supervising
// accept-stream and datagram-receive, feeding the same node state rather
// than a shared event channel, since each request stream's handling is
// already independent once dispatched.
func (n *Node) handleConnection(ctx context.Context, connID string, conn transport.Connection) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logger.WithConn(&n.log, connID, conn.RemoteAddr().String())
	log.Debug().Msg("node: connection accepted")

	disp := datagram.NewDispatcher()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.acceptStreams(gctx, conn, disp) })
	g.Go(func() error { return n.receiveDatagrams(gctx, conn, disp) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Debug().Err(err).Msg("node: connection handler exited")
	}
	_ = conn.CloseWithError(xerrors.CloseCodeNone, "")
}

func (n *Node) acceptStreams(ctx context.Context, conn transport.Connection, disp *datagram.Dispatcher) error {
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleStream(ctx, conn, s, disp)
		}()
	}
}

func (n *Node) receiveDatagrams(ctx context.Context, conn transport.Connection, disp *datagram.Dispatcher) error {
	for {
		raw, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := disp.Dispatch(raw); err != nil {
			n.log.Debug().Err(err).Msg("node: dropping malformed datagram")
		}
	}
}

// handleStream reads the first message off s to learn what the peer wants
// and dispatches to the matching handler. Every quicrq stream opens with
// exactly one of REQUEST_STREAM, REQUEST_DATAGRAM, POST, or SUBSCRIBE
// (spec §4.4's opening transitions), so one decode is enough to route.
func (n *Node) handleStream(ctx context.Context, conn transport.Connection, s transport.Stream, disp *datagram.Dispatcher) {
	msg, err := wire.ReadMessage(s)
	if err != nil {
		s.CancelWrite(xerrors.CloseCodeFor(err))
		_ = s.Close()
		return
	}

	switch m := msg.(type) {
	case *wire.RequestStream:
		mach := fsm.New(fsm.RoleSource, false, &n.log)
		if _, err := mach.OnReceive(wire.KindRequestStream); err != nil {
			n.rejectStream(s, err)
			_ = s.Close()
			return
		}
		n.serveSubscriber(ctx, conn, s, m.URL, wire.TransportSingleStream, m.Intent, m.StartPoint.GroupID, m.StartPoint.ObjectID, 0, mach)
	case *wire.RequestDatagram:
		mach := fsm.New(fsm.RoleSource, false, &n.log)
		if _, err := mach.OnReceive(wire.KindRequestDatagram); err != nil {
			n.rejectStream(s, err)
			_ = s.Close()
			return
		}
		n.serveSubscriber(ctx, conn, s, m.URL, wire.TransportDatagram, m.Intent, m.StartPoint.GroupID, m.StartPoint.ObjectID, m.MediaID, mach)
	case *wire.Post:
		mach := fsm.New(fsm.RoleSink, false, &n.log)
		if _, err := mach.OnReceive(wire.KindPost); err != nil {
			n.rejectStream(s, err)
			_ = s.Close()
			return
		}
		n.servePublisher(ctx, conn, s, m, disp, mach)
	case *wire.Subscribe:
		mach := fsm.New(fsm.RoleControl, false, &n.log)
		if _, err := mach.OnReceive(wire.KindSubscribe); err != nil {
			n.rejectStream(s, err)
			_ = s.Close()
			return
		}
		n.serveControlSubscribe(ctx, s, m.URL, mach)
	default:
		s.CancelWrite(xerrors.CloseCodeUnexpectedMessage)
		_ = s.Close()
	}
}
