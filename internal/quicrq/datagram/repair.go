package datagram

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alxayo/quicrq/internal/quicrq"
)

// DefaultRepairDelayRTTMultiple is spec §4.5's default repair_delay: 2x
// smoothed RTT. Callers that track RTT (the transport layer) compute the
// actual delay; this constant documents the factor, not a fallback value.
const DefaultRepairDelayRTTMultiple = 2

// GapTracker watches one subscription's reassembly progress and schedules a
// REQUEST_REPAIR once a gap below the high-water mark has stood open for
// longer than repair_delay (spec §4.5). It holds no opinion about what a
// repair request looks like on the wire — only about when one is due.
//
// Mirrors a relay destination's reconnect-timer pattern: exactly one
// outstanding clockwork.Timer is live at a time, replaced rather than
// stacked as new data narrows or closes the gap, cancelling a stale timer
// before arming a new one.
type GapTracker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	delay    time.Duration
	onRepair func(low, high quicrq.ObjectKey)

	cursor   quicrq.ObjectKey
	high     quicrq.ObjectKey
	haveHigh bool
	timer    clockwork.Timer
}

// NewGapTracker creates a tracker that fires onRepair after delay once a
// gap opens and stays open. A nil clock uses the real wall clock.
func NewGapTracker(clock clockwork.Clock, delay time.Duration, onRepair func(low, high quicrq.ObjectKey)) *GapTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &GapTracker{clock: clock, delay: delay, onRepair: onRepair}
}

// Observe reports the subscription's current contiguous delivery cursor and
// its highest known (possibly out-of-order) object, after every reassembly
// event. It re-arms, narrows, or disarms the pending repair timer to match:
// InSequence events advance cursor and typically close the gap; Peek events
// advance high and open one; a Repair event for the same range as a pending
// timer effectively re-opens it once the timer is re-armed here.
func (g *GapTracker) Observe(cursor, high quicrq.ObjectKey, haveHigh bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursor, g.high, g.haveHigh = cursor, high, haveHigh

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if !haveHigh || !cursor.Less(high) {
		return
	}
	low, hi := cursor, high
	g.timer = g.clock.AfterFunc(g.delay, func() { g.fire(low, hi) })
}

func (g *GapTracker) fire(low, high quicrq.ObjectKey) {
	g.mu.Lock()
	stillOpen := g.haveHigh && g.cursor == low && g.high == high
	cb := g.onRepair
	g.mu.Unlock()
	if stillOpen && cb != nil {
		cb(low, high)
	}
}

// Cancel stops any pending timer, e.g. when the subscription is torn down.
func (g *GapTracker) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// ExtraRepeater schedules a one-shot proactive retransmission of each sent
// fragment after extra_repeat_delay (spec §4.5), independent of any
// REQUEST_REPAIR — a cheap hedge against loss on high-loss links that does
// not wait for the subscriber to notice and ask.
type ExtraRepeater struct {
	clock clockwork.Clock
	delay time.Duration
	send  func(mediaID uint64, payload []byte)
}

// NewExtraRepeater creates a repeater that calls send again after delay for
// every fragment passed to Schedule. A nil clock uses the real wall clock.
// A non-positive delay disables repetition entirely.
func NewExtraRepeater(clock clockwork.Clock, delay time.Duration, send func(mediaID uint64, payload []byte)) *ExtraRepeater {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ExtraRepeater{clock: clock, delay: delay, send: send}
}

// Schedule arms the one-shot repeat of an already-encoded datagram payload
// (the output of EncodeFrame) addressed to mediaID. The payload is not
// copied: callers must not mutate it after scheduling, which holds
// naturally since a sent datagram's bytes are never written to again.
func (r *ExtraRepeater) Schedule(mediaID uint64, payload []byte) {
	if r.delay <= 0 || r.send == nil {
		return
	}
	r.clock.AfterFunc(r.delay, func() { r.send(mediaID, payload) })
}
