package node

import (
	"context"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/cache"
	"github.com/alxayo/quicrq/internal/quicrq/datagram"
	"github.com/alxayo/quicrq/internal/quicrq/fsm"
	"github.com/alxayo/quicrq/internal/quicrq/relay"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// serveSubscriber implements the acceptor side of a subscriber's opening
// handshake (spec §4.4's Idle -> WaitAccept -> Streaming|Datagram; this
// node's machine plays RoleSource, since the data originates here for the
// subscriber): resolve url against the
// cache/relay bridge, reply ACCEPT, and stream fragments until QueryEof or
// the peer goes away. mach has already observed the opening REQUEST_STREAM/
// REQUEST_DATAGRAM (handleStream calls OnReceive before dispatching here)
// and drives every further message this side sends against the role matrix.
func (n *Node) serveSubscriber(ctx context.Context, conn transport.Connection, s transport.Stream, rawURL []byte, mode wire.TransportMode, intent wire.Intent, startGroup, startObject, mediaID uint64, mach *fsm.Machine) {
	defer s.Close()

	url, err := quicrq.NewURL(rawURL)
	if err != nil {
		n.rejectStream(s, xerrors.NewMalformed("node.serve_subscriber", err))
		return
	}

	c, cur, err := n.relay.Attach(ctx, url, mode, relay.CacheIntent(intent), startGroup, startObject)
	if err != nil {
		n.rejectStream(s, err)
		return
	}
	defer n.relay.Detach(url, cur)

	if _, err := mach.OnSend(wire.KindAccept); err != nil {
		n.rejectStream(s, err)
		return
	}
	mach.PinMode(mode)

	accept := &wire.Accept{TransportMode: mode}
	if mode == wire.TransportDatagram {
		accept.MediaID = mediaID
	}
	if err := wire.WriteMessage(s, accept); err != nil {
		return
	}

	started := false
	var unregisterStartPoint func()
	if intent != wire.IntentStartPoint {
		unregisterStartPoint = n.relay.OnStartPoint(url, func(sp quicrq.ObjectKey) {
			if started {
				return
			}
			if _, err := mach.OnSend(wire.KindStartPoint); err != nil {
				return
			}
			_ = wire.WriteMessage(s, &wire.StartPoint{GroupID: sp.Group, ObjectID: sp.Object})
		})
		defer unregisterStartPoint()
	}

	var repeater *datagram.ExtraRepeater
	if mode == wire.TransportDatagram && n.cfg.ExtraRepeat {
		repeater = datagram.NewExtraRepeater(n.clock, n.cfg.ExtraRepeatDelay, func(_ uint64, payload []byte) {
			_ = conn.SendDatagram(payload)
		})
	}

	for {
		f, status := c.QueryNext(cur)
		switch status {
		case cache.QueryOK:
			started = true
			if err := n.deliver(conn, s, mode, mediaID, f, repeater, mach); err != nil {
				return
			}
			cur.Advance(f)
		case cache.QueryEof:
			if mode == wire.TransportDatagram {
				if _, err := mach.OnSend(wire.KindFinDatagram); err == nil {
					key, _ := c.HighWater()
					_ = wire.WriteMessage(s, &wire.FinDatagram{MediaID: mediaID, FinalGroup: key.Group, FinalObject: key.Object + 1})
				}
			}
			return
		case cache.QueryWouldBlock:
			select {
			case <-cur.Wake():
			case <-ctx.Done():
				return
			}
		}
	}
}

// deliver sends one fragment to the subscriber, either inline on the
// control stream (TransportSingleStream) or as a media_id-prefixed QUIC
// datagram (TransportDatagram), scheduling the proactive extra-repeat
// timer for the datagram case if the node is configured for it. Only the
// inline-on-stream form is reported to mach: datagram-carried fragments
// don't cross the control stream mach is tracking (spec §4.5).
func (n *Node) deliver(conn transport.Connection, s transport.Stream, mode wire.TransportMode, mediaID uint64, f quicrq.Fragment, repeater *datagram.ExtraRepeater, mach *fsm.Machine) error {
	if mode != wire.TransportDatagram {
		if _, err := mach.OnSend(wire.KindFragment); err != nil {
			return err
		}
		return wire.WriteMessage(s, toWire(f))
	}
	payload, err := datagram.EncodeFrame(mediaID, toWire(f))
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(payload); err != nil {
		return err
	}
	if repeater != nil {
		repeater.Schedule(mediaID, payload)
	}
	return nil
}

// rejectStream closes s carrying the close code the error taxonomy assigns
// to err (spec §7's per-stream error propagation).
func (n *Node) rejectStream(s transport.Stream, err error) {
	n.log.Debug().Err(err).Msg("node: rejecting stream")
	s.CancelWrite(xerrors.CloseCodeFor(err))
}
