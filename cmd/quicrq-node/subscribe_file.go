package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alxayo/quicrq/internal/quicrq/datagram"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/transport/quicgo"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
)

// newSubscribeFileCmd builds the file-backed test consumer: it requests a
// URL from a node and writes every fragment's payload to disk in arrival
// order, not attempting the full offset-aware reassembly internal/quicrq/
// reassembly provides, since fragments for a single-writer test publish are
// already in order.
func newSubscribeFileCmd() *cobra.Command {
	var connect string
	var mode string
	var insecure bool

	cmd := &cobra.Command{
		Use:   "subscribe-file <url> <output-file>",
		Short: "Subscribe to a URL on a quicrq node and write it to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm, err := parseTransportMode(mode)
			if err != nil {
				return err
			}
			return runSubscribeFile(args[0], args[1], connect, tm, insecure)
		},
	}
	cmd.Flags().StringVar(&connect, "connect", "", "Node address to subscribe from (required)")
	cmd.Flags().StringVar(&mode, "transport-mode", "stream", "Transport mode: stream|datagram")
	cmd.Flags().BoolVar(&insecure, "insecure", true, "Skip TLS certificate verification")
	_ = cmd.MarkFlagRequired("connect")
	return cmd
}

func runSubscribeFile(rawURL, outPath, connect string, mode wire.TransportMode, insecure bool) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("quicrq-node subscribe-file: %w", err)
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := quicgo.Dialer{Config: quicgo.Config{TLSConfig: &tls.Config{InsecureSkipVerify: insecure}}}
	conn, err := dialer.Dial(ctx, connect)
	if err != nil {
		return fmt.Errorf("quicrq-node subscribe-file: dial %s: %w", connect, err)
	}
	defer conn.CloseWithError(0, "subscribe-file done")

	s, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("quicrq-node subscribe-file: open stream: %w", err)
	}
	defer s.Close()

	const clientMediaID = 1
	var req wire.Message
	if mode == wire.TransportDatagram {
		req = &wire.RequestDatagram{URL: []byte(rawURL), Intent: wire.IntentCurrentGroup, MediaID: clientMediaID}
	} else {
		req = &wire.RequestStream{URL: []byte(rawURL), Intent: wire.IntentCurrentGroup}
	}
	if err := wire.WriteMessage(s, req); err != nil {
		return fmt.Errorf("quicrq-node subscribe-file: send request: %w", err)
	}

	reply, err := wire.ReadMessage(s)
	if err != nil {
		return fmt.Errorf("quicrq-node subscribe-file: read ACCEPT: %w", err)
	}
	if _, ok := reply.(*wire.Accept); !ok {
		return fmt.Errorf("quicrq-node subscribe-file: expected ACCEPT, got %T", reply)
	}

	if mode == wire.TransportDatagram {
		return subscribeDatagram(ctx, conn, s, out, clientMediaID)
	}
	return subscribeStream(s, out)
}

func subscribeStream(s transport.Stream, out *os.File) error {
	for {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("quicrq-node subscribe-file: read fragment: %w", err)
		}
		frag, ok := msg.(*wire.Fragment)
		if !ok {
			return fmt.Errorf("quicrq-node subscribe-file: unexpected %T on stream", msg)
		}
		if _, err := out.Write(frag.Payload); err != nil {
			return fmt.Errorf("quicrq-node subscribe-file: write output: %w", err)
		}
	}
}

// subscribeDatagram drains fragments from the connection's datagram
// channel while a second goroutine watches the control stream for
// FIN_DATAGRAM, the signal that no more fragments are coming.
func subscribeDatagram(ctx context.Context, conn transport.Connection, s transport.Stream, out *os.File, mediaID uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finCh := make(chan error, 1)
	go func() {
		for {
			msg, err := wire.ReadMessage(s)
			if err != nil {
				finCh <- err
				return
			}
			if _, ok := msg.(*wire.FinDatagram); ok {
				finCh <- nil
				return
			}
		}
	}()

	type datagramOrErr struct {
		raw []byte
		err error
	}
	dgCh := make(chan datagramOrErr)
	go func() {
		for {
			raw, err := conn.ReceiveDatagram(ctx)
			select {
			case dgCh <- datagramOrErr{raw, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case fin := <-finCh:
			return fin
		case d := <-dgCh:
			if d.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("quicrq-node subscribe-file: receive datagram: %w", d.err)
			}
			id, frag, err := datagram.DecodeFrame(d.raw)
			if err != nil || id != mediaID {
				continue
			}
			if _, err := out.Write(frag.Payload); err != nil {
				return fmt.Errorf("quicrq-node subscribe-file: write output: %w", err)
			}
		}
	}
}
