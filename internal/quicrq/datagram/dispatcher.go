package datagram

import (
	"sync"

	"github.com/alxayo/quicrq/internal/quicrq/wire"
)

// Route is what a connection's Dispatcher delivers demultiplexed fragments
// to: one per currently active media_id (spec §4.5's "map media_id →
// subscription").
type Route struct {
	OnFragment func(frag *wire.Fragment)
}

// Dispatcher demultiplexes inbound datagrams on one transport.Connection by
// media_id. It has no opinion about what a media_id means beyond "a
// currently-registered route" — reassembly and caching happen inside the
// route's OnFragment callback, keeping this package ignorant of both.
//
// Grounded on cloudflared's DatagramMuxer.demux, generalized from a single
// fixed demuxChan to a per-media_id routing table, since quicrq multiplexes
// many independent subscriptions over one connection's datagram channel
// rather than cloudflared's one-session-per-UUID model.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[uint64]*Route
}

// NewDispatcher creates an empty per-connection dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[uint64]*Route)}
}

// Register attaches route to mediaID, replacing any previous route.
func (d *Dispatcher) Register(mediaID uint64, route *Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[mediaID] = route
}

// Unregister detaches mediaID, e.g. when its subscription is torn down.
func (d *Dispatcher) Unregister(mediaID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, mediaID)
}

// Dispatch decodes one raw datagram payload and forwards it to its route.
// An unrecognized media_id is dropped silently rather than treated as a
// protocol violation: datagrams are inherently loss-tolerant, and a route
// may simply have been torn down between the fragment's send and its
// arrival (spec §4.5).
func (d *Dispatcher) Dispatch(raw []byte) error {
	mediaID, frag, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	d.mu.RLock()
	route, ok := d.routes[mediaID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	route.OnFragment(frag)
	return nil
}
