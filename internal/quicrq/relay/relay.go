// Package relay implements a relay node's bridging logic (spec §4.6): for
// a URL it does not itself originate, it serves downstream subscribers
// from a local cache, opening at most one upstream subscription per (URL,
// transport_mode) to feed that cache even when many downstream requests
// for the same URL arrive concurrently.
//
// The manage-many-independent-remote-endpoints-behind-one-map shape mirrors
// an RTMP DestinationManager (a mutex-guarded map of live per-URL clients
// with connect-on-demand semantics); the at-most-one-in-flight-subscribe-
// per-key guarantee uses golang.org/x/sync/singleflight instead of a plain
// mutex around the connect path, since singleflight is the idiomatic fit
// for "many concurrent callers collapse onto one in-flight operation" —
// RTMP relay fan-out has no such collapsing, since it fans one upstream
// feed out to multiple destinations rather than bridging one upstream into
// many downstreams.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/cache"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// CacheIntent converts a wire.Intent into the cache package's own Intent
// enum (cache deliberately does not import wire; see cache.go).
func CacheIntent(i wire.Intent) cache.Intent {
	switch i {
	case wire.IntentNextGroup:
		return cache.IntentNextGroup
	case wire.IntentStartPoint:
		return cache.IntentStartPoint
	default:
		return cache.IntentCurrentGroup
	}
}

// UpstreamSubscription is a live subscription to a next-hop node, feeding
// fragments and an optional single START_POINT back to the bridge that
// opened it until Err() is non-nil and Fragments() closes.
type UpstreamSubscription interface {
	// Fragments delivers every fragment received from upstream, in
	// whatever order they arrive (order is restored by the cache, not
	// here). Closed when the subscription ends, for any reason.
	Fragments() <-chan quicrq.Fragment
	// StartPoint fires at most once, if upstream ever sends START_POINT.
	StartPoint() <-chan quicrq.ObjectKey
	// Err returns the reason the subscription ended, valid once
	// Fragments() is closed. nil means a clean FIN.
	Err() error
	Close() error
}

// UpstreamOpener opens the single upstream subscription a relay needs for
// one (url, mode) pair, through whatever next-hop connection the node has
// pre-configured for that URL (spec §4.6: "through the pre-configured
// next-hop connection").
type UpstreamOpener interface {
	OpenUpstream(ctx context.Context, url quicrq.URL, mode wire.TransportMode) (UpstreamSubscription, error)
}

type upstreamKey struct {
	url  string
	mode wire.TransportMode
}

// Relay holds, for one node, every URL it might bridge: a cache per URL
// (mode-independent, since cached fragment content doesn't depend on how
// it was transported) and at most one live upstream subscription per
// (URL, transport_mode).
type Relay struct {
	opener UpstreamOpener
	log    zerolog.Logger

	group singleflight.Group // keyed by upstreamKey.url+mode

	mu        sync.Mutex
	caches    map[string]*cache.Cache
	upstreams map[upstreamKey]UpstreamSubscription
	listeners map[string][]func(quicrq.ObjectKey) // url -> start-point listeners
}

// New creates a relay bridge that opens upstream subscriptions via opener.
func New(opener UpstreamOpener, log *zerolog.Logger) *Relay {
	if log == nil {
		log = logger.Logger()
	}
	return &Relay{
		opener:    opener,
		log:       log.With().Str("component", "relay").Logger(),
		caches:    make(map[string]*cache.Cache),
		upstreams: make(map[upstreamKey]UpstreamSubscription),
		listeners: make(map[string][]func(quicrq.ObjectKey)),
	}
}

// cacheFor returns the cache for url, reporting whether it already existed
// (spec §4.6's "if a cache entry exists"). A cache entry, once created,
// outlives any single upstream subscription, so "exists" here means "a
// bridge has been started for this URL before", not "is currently live".
func (r *Relay) cacheFor(url quicrq.URL) (c *cache.Cache, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := url.Key()
	c, existed = r.caches[key]
	if !existed {
		c = cache.New(cache.Retain)
		r.caches[key] = c
	}
	return c, existed
}

// CacheFor returns the cache backing url, creating it if this is the first
// time anything (a local publish, an inbound POST, or a downstream Attach)
// has touched the URL on this node. Producers use this directly to insert
// fragments without going through the subscriber-side Attach branching.
func (r *Relay) CacheFor(url quicrq.URL) *cache.Cache {
	c, _ := r.cacheFor(url)
	return c
}

// Attach implements spec §4.6's downstream-request branching: "if a cache
// entry exists and attach_subscriber(intent) succeeds, serve from cache;
// else open an upstream subscription". A brand-new cache entry always
// falls through to opening an upstream subscription, since an empty cache
// can satisfy neither a current/next-group cursor (nothing has ever been
// produced) nor a start point (nothing is cached yet to satisfy it).
func (r *Relay) Attach(ctx context.Context, url quicrq.URL, mode wire.TransportMode, intent cache.Intent, startGroup quicrq.GroupID, startObject quicrq.ObjectID) (*cache.Cache, *cache.Cursor, error) {
	c, existed := r.cacheFor(url)

	if existed {
		if cur, err := c.AttachSubscriber(intent, startGroup, startObject); err == nil {
			return c, cur, nil
		}
	}

	if err := r.ensureUpstream(ctx, url, mode, c); err != nil {
		return nil, nil, err
	}
	cur, err := c.AttachSubscriber(intent, startGroup, startObject)
	if err != nil {
		return nil, nil, err
	}
	return c, cur, nil
}

// ensureUpstream guarantees a bridging goroutine is running for (url,
// mode), starting one if none is, and collapsing concurrent callers for
// the same key onto a single UpstreamOpener.OpenUpstream call (spec §4.6:
// "at-most-one upstream subscription per (URL, transport_mode) ... even
// under concurrent downstream requests").
func (r *Relay) ensureUpstream(ctx context.Context, url quicrq.URL, mode wire.TransportMode, c *cache.Cache) error {
	key := upstreamKey{url: url.Key(), mode: mode}

	r.mu.Lock()
	_, live := r.upstreams[key]
	r.mu.Unlock()
	if live {
		return nil
	}

	sfKey := fmt.Sprintf("%s\x00%d", key.url, key.mode)
	_, err, _ := r.group.Do(sfKey, func() (interface{}, error) {
		r.mu.Lock()
		if _, live := r.upstreams[key]; live {
			r.mu.Unlock()
			return nil, nil
		}
		r.mu.Unlock()

		if r.opener == nil {
			return nil, xerrors.NewSourceUnknown("relay.ensure_upstream", fmt.Errorf("no upstream opener configured for %s", url))
		}
		sub, err := r.opener.OpenUpstream(ctx, url, mode)
		if err != nil {
			return nil, xerrors.NewSourceUnknown("relay.ensure_upstream", fmt.Errorf("open upstream for %s: %w", url, err))
		}

		r.mu.Lock()
		r.upstreams[key] = sub
		r.mu.Unlock()

		go r.bridge(url, key, c, sub)
		return nil, nil
	})
	return err
}

// bridge drains one upstream subscription, inserting every fragment into
// the cache (which wakes every downstream subscriber, spec §4.3) and
// forwarding START_POINT to every registered listener that hasn't started
// delivery yet (spec §4.6).
func (r *Relay) bridge(url quicrq.URL, key upstreamKey, c *cache.Cache, sub UpstreamSubscription) {
	defer func() {
		r.mu.Lock()
		if r.upstreams[key] == sub {
			delete(r.upstreams, key)
		}
		r.mu.Unlock()
	}()

	fragments := sub.Fragments()
	startPoint := sub.StartPoint()
	for fragments != nil || startPoint != nil {
		select {
		case f, ok := <-fragments:
			if !ok {
				fragments = nil
				continue
			}
			if err := c.Insert(f); err != nil {
				r.log.Warn().Err(err).Str("url", url.String()).Msg("relay: discarding fragment that failed cache insert")
			}
		case sp, ok := <-startPoint:
			if !ok {
				startPoint = nil
				continue
			}
			r.broadcastStartPoint(url, sp)
		}
	}
	if err := sub.Err(); err != nil {
		r.log.Warn().Err(err).Str("url", url.String()).Msg("relay: upstream subscription ended")
	}
}

// OnStartPoint registers cb to run the next time upstream sends
// START_POINT for url. Callers that have already begun delivery to their
// downstream subscriber should not register (spec §4.6: "arriving after
// delivery begins, it is ignored") — this package has no notion of
// per-subscriber delivery progress, so that check is the caller's
// responsibility. The returned func unregisters cb.
func (r *Relay) OnStartPoint(url quicrq.URL, cb func(quicrq.ObjectKey)) (unregister func()) {
	key := url.Key()
	r.mu.Lock()
	r.listeners[key] = append(r.listeners[key], cb)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cbs := r.listeners[key]
		for i, existing := range cbs {
			if fmt.Sprintf("%p", existing) == fmt.Sprintf("%p", cb) {
				cbs[i] = cbs[len(cbs)-1]
				r.listeners[key] = cbs[:len(cbs)-1]
				return
			}
		}
	}
}

func (r *Relay) broadcastStartPoint(url quicrq.URL, sp quicrq.ObjectKey) {
	r.mu.Lock()
	cbs := append([]func(quicrq.ObjectKey){}, r.listeners[url.Key()]...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(sp)
	}
}

// Detach releases a downstream cursor from url's cache.
func (r *Relay) Detach(url quicrq.URL, cur *cache.Cursor) {
	c, _ := r.cacheFor(url)
	c.DetachSubscriber(cur)
}
