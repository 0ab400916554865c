// Package registry implements the process-wide media source registry (spec
// §4.7): a URL -> source descriptor mapping that lets a relay or origin
// node look up "is anyone publishing this URL right now" and attach/detach
// downstream subscriptions without the publisher and subscriber sides
// knowing anything about each other's transport.
//
// The map-plus-per-entry-mutex shape, and the "snapshot the count, act
// outside the lock" discipline in Detach, mirror an RTMP server's
// Registry/Stream pair, generalized from RTMP's implicit
// stream-creation-on-first-publish model to quicrq's explicit
// Publish/Unpublish with callback wiring (spec §6's Source API).
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alxayo/quicrq/internal/quicrq"
)

// ErrAlreadyPublished is returned by Publish when the URL already has a
// live source descriptor.
var ErrAlreadyPublished = errors.New("registry: url already published")

// ErrNotPublished is returned by Lookup-dependent operations when no
// source descriptor is registered for a URL.
var ErrNotPublished = errors.New("registry: url not published")

// DataAction selects which operation DataFunc performs (spec §6's
// data_cb(action, ...)).
type DataAction int

const (
	// ActionGetData asks the source to fill buf with the next chunk of the
	// object currently being produced.
	ActionGetData DataAction = iota
	// ActionClose tells the source to release whatever it holds for this
	// subscription's media context; no further calls follow.
	ActionClose
)

func (a DataAction) String() string {
	if a == ActionClose {
		return "close"
	}
	return "get_data"
}

// DataResult is what DataFunc reports back after an ActionGetData call
// (spec §6's data_cb return tuple).
type DataResult struct {
	Len             int
	IsNewGroup      bool
	IsLastFragment  bool
	IsMediaFinished bool
	IsStillActive   bool
}

// SubscribeFunc is invoked once per downstream subscription attached to a
// published source (spec §4.7/§6's subscribe_cb). Returning an error
// rejects the subscription before it reaches the cache or relay bridge.
type SubscribeFunc func() error

// DataFunc is the embedder-supplied pull callback a published source
// implements to hand object bytes to the core (spec §6's data_cb): called
// repeatedly with ActionGetData until it reports IsMediaFinished or
// !IsStillActive, then once with ActionClose.
type DataFunc func(action DataAction, buf []byte) (DataResult, error)

// DestroyFunc runs once, after every attached subscription has detached
// following an Unpublish (spec §4.7's destroy_cb).
type DestroyFunc func()

// Source is the opaque per-URL descriptor handed back by Lookup; callers
// never construct one directly.
type Source struct {
	url       quicrq.URL
	subscribe SubscribeFunc
	data      DataFunc
	destroy   DestroyFunc

	mu           sync.Mutex
	attached     int
	draining     bool
	destroyedRun bool
}

// URL returns the URL this source was published under.
func (s *Source) URL() quicrq.URL { return s.url }

// Attach runs subscribe_cb and, on success, counts this subscription
// against the source so a concurrent Unpublish waits for it to Detach
// before running destroy_cb.
func (s *Source) Attach() error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return fmt.Errorf("registry.attach: %w: %s is unpublishing", ErrNotPublished, s.url)
	}
	s.attached++
	s.mu.Unlock()

	if s.subscribe == nil {
		return nil
	}
	if err := s.subscribe(); err != nil {
		s.Detach()
		return err
	}
	return nil
}

// Detach releases one attachment, running destroy_cb exactly once if this
// was the last attachment and Unpublish has already been called.
func (s *Source) Detach() {
	s.mu.Lock()
	s.attached--
	runDestroy := s.draining && s.attached <= 0 && !s.destroyedRun
	if runDestroy {
		s.destroyedRun = true
	}
	destroy := s.destroy
	s.mu.Unlock()

	if runDestroy && destroy != nil {
		destroy()
	}
}

// Data forwards to data_cb. Callers (the relay bridge, or a node serving
// its own published source) hold no lock across this call: DataFunc is
// expected to do its own synchronization if it touches shared state.
func (s *Source) Data(action DataAction, buf []byte) (DataResult, error) {
	if s.data == nil {
		return DataResult{}, fmt.Errorf("registry.data: %s has no data_cb", s.url)
	}
	return s.data(action, buf)
}

// Registry is the process-wide URL -> source descriptor mapping (spec
// §4.7), guarded by a single mutex as the node owns it.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sources: make(map[string]*Source)}
}

// Publish registers url with the given callbacks. It fails if url is
// already published; callers must Unpublish first.
func (r *Registry) Publish(url quicrq.URL, subscribe SubscribeFunc, data DataFunc, destroy DestroyFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := url.Key()
	if _, exists := r.sources[key]; exists {
		return fmt.Errorf("registry.publish: %w: %s", ErrAlreadyPublished, url)
	}
	r.sources[key] = &Source{url: url, subscribe: subscribe, data: data, destroy: destroy}
	return nil
}

// Unpublish removes url from the lookup table immediately (spec §4.7: new
// subscription attempts after this point see ErrNotPublished) and arranges
// for destroy_cb to run once every subscription attached before this call
// has Detach'd — immediately, if none are currently attached.
func (r *Registry) Unpublish(url quicrq.URL) error {
	r.mu.Lock()
	key := url.Key()
	src, ok := r.sources[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry.unpublish: %w: %s", ErrNotPublished, url)
	}
	delete(r.sources, key)
	r.mu.Unlock()

	src.mu.Lock()
	src.draining = true
	runDestroy := src.attached <= 0 && !src.destroyedRun
	if runDestroy {
		src.destroyedRun = true
	}
	destroy := src.destroy
	src.mu.Unlock()

	if runDestroy && destroy != nil {
		destroy()
	}
	return nil
}

// Lookup returns the live source descriptor for url, if any.
func (r *Registry) Lookup(url quicrq.URL) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[url.Key()]
	return src, ok
}

// Count reports how many URLs are currently published, mainly for tests
// and diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
