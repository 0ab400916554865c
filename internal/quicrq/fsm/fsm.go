// Package fsm implements the per-stream state machine (spec §4.4):
//
//	Idle -> WaitAccept -> Streaming | Datagram -> Finishing -> Closed
//
// with a side transition to Errored from any state on a message the current
// (role, state) pair doesn't permit. A Machine does not read or write any
// bytes itself — it is driven by a caller reporting the wire.Kind of each
// message as it is sent or received, the same separation an RTMP Connection (owns the
// socket and goroutines) keeps from its Session (owns only the
// connect/createStream/publish state and is advanced by setter calls from
// the command dispatcher).
package fsm

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// State is a stream's position in the lifecycle.
type State int

const (
	StateIdle State = iota
	StateWaitAccept
	StateStreaming
	StateDatagram
	StateFinishing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitAccept:
		return "wait_accept"
	case StateStreaming:
		return "streaming"
	case StateDatagram:
		return "datagram"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role is which side of the data plane this stream's local endpoint plays
// once the stream leaves WaitAccept (spec §4.4's role matrix: Subscriber,
// Publisher, Either).
type Role int

const (
	// RoleSource means the local side emits FRAGMENT/FIN_DATAGRAM/
	// START_POINT and consumes REQUEST_REPAIR — the data originates here.
	// Both an upstream publisher and a relay serving a downstream
	// subscriber play this role on their respective streams.
	RoleSource Role = iota
	// RoleSink means the local side consumes FRAGMENT/FIN_DATAGRAM/
	// START_POINT and may emit REQUEST_REPAIR — the data terminates here.
	// Both a subscriber and a relay accepting an upstream POST play this
	// role on their respective streams.
	RoleSink
	// RoleControl is the SUBSCRIBE/NOTIFY announcement channel (spec §4.7):
	// no ACCEPT handshake, no fragment traffic, just URL announcements.
	RoleControl
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSink:
		return "sink"
	case RoleControl:
		return "control"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Machine is the per-stream state machine. Initiator reports whether the
// local endpoint is the one that sends the opening message on this stream
// (REQUEST_STREAM/REQUEST_DATAGRAM/POST/SUBSCRIBE) as opposed to the one
// that receives it and replies with ACCEPT.
type Machine struct {
	mu        sync.Mutex
	role      Role
	initiator bool
	state     State
	mode      wire.TransportMode // set once ACCEPT/POST/REQUEST_* pins it
	log       zerolog.Logger
}

// New creates a Machine for one stream's local endpoint. log may be nil, in
// which case the package-global logger is used.
func New(role Role, initiator bool, log *zerolog.Logger) *Machine {
	base := logger.Logger()
	if log != nil {
		base = log
	}
	return &Machine{
		role:      role,
		initiator: initiator,
		state:     StateIdle,
		log:       base.With().Str("component", "fsm").Str("role", role.String()).Logger(),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransportMode returns the mode pinned by the REQUEST_DATAGRAM/ACCEPT/POST
// exchange, valid once the machine has left StateWaitAccept.
func (m *Machine) TransportMode() wire.TransportMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// OnSend reports that the local side is sending (or has just sent) a
// message of kind k, validating it against the current state and role.
func (m *Machine) OnSend(k wire.Kind) (State, error) {
	return m.transition(k, true)
}

// OnReceive reports that the local side received a message of kind k.
func (m *Machine) OnReceive(k wire.Kind) (State, error) {
	return m.transition(k, false)
}

// OnStreamClosed reports that the underlying transport.Stream reached a
// clean end (FIN) with no further messages pending, advancing Finishing to
// Closed. Calling it from any other state is itself an unexpected event.
func (m *Machine) OnStreamClosed() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateFinishing, StateClosed:
		m.state = StateClosed
		return m.state, nil
	default:
		return m.errorLocked(xerrors.NewUnexpectedMessage("fsm.stream_closed",
			fmt.Errorf("stream closed while in state %s", m.state)))
	}
}

func (m *Machine) transition(k wire.Kind, outgoing bool) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateErrored || m.state == StateClosed {
		return m.errorLocked(xerrors.NewUnexpectedMessage("fsm.transition",
			fmt.Errorf("%s received in terminal state %s", k, m.state)))
	}

	ok, next, mode := m.allowed(k, outgoing)
	if !ok {
		return m.errorLocked(xerrors.NewUnexpectedMessage("fsm.transition",
			fmt.Errorf("%s not permitted for role=%s initiator=%v in state %s (outgoing=%v)",
				k, m.role, m.initiator, m.state, outgoing)))
	}
	if mode != nil {
		m.mode = *mode
	}
	m.state = next
	m.log.Debug().Str("kind", k.String()).Bool("outgoing", outgoing).Str("next_state", next.String()).Msg("fsm transition")
	return m.state, nil
}

func (m *Machine) errorLocked(err error) (State, error) {
	m.state = StateErrored
	m.log.Warn().Err(err).Msg("fsm transition rejected")
	return m.state, err
}

// allowed reports whether message k, in direction outgoing, is valid from
// the machine's current state for its (role, initiator) pair, and if so the
// state it transitions to. Every current branch returns a nil transport
// mode; the mode is recorded only by PinMode.
func (m *Machine) allowed(k wire.Kind, outgoing bool) (bool, State, *wire.TransportMode) {
	switch m.role {
	case RoleControl:
		return m.allowedControl(k, outgoing)
	case RoleSource:
		return m.allowedDataPlane(k, outgoing, true)
	case RoleSink:
		return m.allowedDataPlane(k, outgoing, false)
	default:
		return false, m.state, nil
	}
}

func (m *Machine) allowedControl(k wire.Kind, outgoing bool) (bool, State, *wire.TransportMode) {
	switch m.state {
	case StateIdle:
		// The initiator sends SUBSCRIBE; the acceptor receives it. Either
		// way the control channel is live immediately — there is no
		// ACCEPT handshake for SUBSCRIBE (spec §4.7).
		if k == wire.KindSubscribe && outgoing == m.initiator {
			return true, StateStreaming, nil
		}
		return false, m.state, nil
	case StateStreaming:
		switch k {
		case wire.KindNotify:
			// Only the acceptor (the source side of the registry) emits
			// NOTIFY; the subscriber only ever receives it.
			if outgoing != m.initiator {
				return true, StateStreaming, nil
			}
		case wire.KindCachePolicy:
			return true, StateStreaming, nil
		}
		return false, m.state, nil
	default:
		return false, m.state, nil
	}
}

// allowedDataPlane covers both RoleSource and RoleSink: isSource
// distinguishes which side emits FRAGMENT/FIN_DATAGRAM/START_POINT versus
// which side emits REQUEST_REPAIR.
func (m *Machine) allowedDataPlane(k wire.Kind, outgoing, isSource bool) (bool, State, *wire.TransportMode) {
	switch m.state {
	case StateIdle:
		return m.allowedOpening(k, outgoing)
	case StateWaitAccept:
		return m.allowedAccept(k, outgoing)
	case StateStreaming:
		return m.allowedStreaming(k, outgoing, isSource)
	case StateDatagram:
		return m.allowedDatagram(k, outgoing, isSource)
	case StateFinishing:
		// Trailing REQUEST_REPAIR/FRAGMENT for bytes already in flight
		// when FIN_DATAGRAM was sent/received are tolerated; anything
		// else is unexpected once finishing has begun.
		switch k {
		case wire.KindFragment, wire.KindRequestRepair:
			return true, StateFinishing, nil
		}
		return false, m.state, nil
	default:
		return false, m.state, nil
	}
}

// allowedOpening validates the single message that may be sent/received
// from StateIdle: the opening request that starts the stream. Which kind is
// legal depends on which of the two roles the *initiator* plays — a
// subscriber-initiated stream opens with REQUEST_STREAM/REQUEST_DATAGRAM
// (initiator is the sink), a publisher-initiated stream opens with POST
// (initiator is the source) — so a relay's acceptor-side machine expects
// the opposite kind from its own role: RoleSource-and-acceptor (serving a
// downstream subscriber) expects to receive REQUEST_*, while
// RoleSink-and-acceptor (absorbing an upstream publish) expects to receive
// POST.
func (m *Machine) allowedOpening(k wire.Kind, outgoing bool) (bool, State, *wire.TransportMode) {
	if outgoing != m.initiator {
		return false, m.state, nil
	}
	switch {
	case m.role == RoleSource && m.initiator:
		if k == wire.KindPost {
			return true, StateWaitAccept, nil
		}
	case m.role == RoleSource && !m.initiator:
		if k == wire.KindRequestStream || k == wire.KindRequestDatagram {
			return true, StateWaitAccept, nil
		}
	case m.role == RoleSink && m.initiator:
		if k == wire.KindRequestStream || k == wire.KindRequestDatagram {
			return true, StateWaitAccept, nil
		}
	case m.role == RoleSink && !m.initiator:
		if k == wire.KindPost {
			return true, StateWaitAccept, nil
		}
	}
	return false, m.state, nil
}

func (m *Machine) allowedAccept(k wire.Kind, outgoing bool) (bool, State, *wire.TransportMode) {
	if k != wire.KindAccept {
		return false, m.state, nil
	}
	// ACCEPT is always sent by the acceptor and received by the initiator.
	if outgoing == m.initiator {
		return false, m.state, nil
	}
	// The actual TransportMode value isn't known from Kind alone — callers
	// that need to pin it call PinMode after inspecting the decoded
	// *wire.Accept. Default to Streaming; PinMode corrects it to Datagram.
	return true, StateStreaming, nil
}

// PinMode records the transport mode negotiated by POST/REQUEST_*/ACCEPT
// and, if it is TransportDatagram, corrects a just-completed WaitAccept ->
// Streaming transition to WaitAccept -> Datagram. Callers invoke it right
// after OnSend/OnReceive observes the ACCEPT (or, for the initiating side,
// right after deciding which request to send).
func (m *Machine) PinMode(mode wire.TransportMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	if mode == wire.TransportDatagram && m.state == StateStreaming {
		m.state = StateDatagram
	}
}

func (m *Machine) allowedStreaming(k wire.Kind, outgoing, isSource bool) (bool, State, *wire.TransportMode) {
	switch k {
	case wire.KindFragment:
		if outgoing == isSource {
			return true, StateStreaming, nil
		}
	case wire.KindStartPoint:
		if isSource && outgoing {
			return true, StateStreaming, nil
		}
		if !isSource && !outgoing {
			return true, StateStreaming, nil
		}
	}
	return false, m.state, nil
}

func (m *Machine) allowedDatagram(k wire.Kind, outgoing, isSource bool) (bool, State, *wire.TransportMode) {
	switch k {
	case wire.KindFragment:
		// Datagram-carried fragments don't cross the control stream
		// (spec §4.5), and the node never reports them to the machine;
		// a FRAGMENT reported in this state is still accepted in the
		// direction the role emits it.
		if outgoing == isSource {
			return true, StateDatagram, nil
		}
	case wire.KindRequestRepair:
		if outgoing != isSource {
			return true, StateDatagram, nil
		}
	case wire.KindStartPoint:
		if isSource && outgoing {
			return true, StateDatagram, nil
		}
		if !isSource && !outgoing {
			return true, StateDatagram, nil
		}
	case wire.KindFinDatagram:
		if outgoing == isSource {
			return true, StateFinishing, nil
		}
	}
	return false, m.state, nil
}
