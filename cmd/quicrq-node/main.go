// Command quicrq-node runs a quicrq endpoint (origin, relay, or both) and
// carries the file-backed publish-file/subscribe-file test clients used to
// drive a node without wiring a real media pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/quicrq/node"
	"github.com/alxayo/quicrq/internal/quicrq/transport/quicgo"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quicrq-node",
		Short: "quicrq publish/subscribe media relay node",
	}
	root.AddCommand(newServeCmd(), newPublishFileCmd(), newSubscribeFileCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a quicrq node, accepting publishers and subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}
	registerServeFlags(cmd.Flags(), f)
	return cmd
}

func runServe(f *serveFlags) error {
	cfg, err := f.toNodeConfig()
	if err != nil {
		return err
	}

	logger.Init()
	if err := logger.SetLevel(f.logLevel); err != nil {
		fmt.Printf("warning: %v, using default log level\n", err)
	}
	log := logger.Logger().With().Str("component", "cli").Logger()

	tlsCfg, err := loadServerTLSConfig(f.certFile, f.keyFile)
	if err != nil {
		return fmt.Errorf("quicrq-node: %w", err)
	}

	ln, err := quicgo.Listen(cfg.ListenAddr, quicgo.Config{TLSConfig: tlsCfg})
	if err != nil {
		return fmt.Errorf("quicrq-node: listen: %w", err)
	}

	dialerTLS, err := loadClientTLSConfig(f.rootStoreFile)
	if err != nil {
		return fmt.Errorf("quicrq-node: %w", err)
	}
	dialer := quicgo.Dialer{Config: quicgo.Config{TLSConfig: dialerTLS}}

	n := node.New(cfg, ln, dialer)
	log.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("quicrq-node: serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("quicrq-node: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("quicrq-node: accept loop exited")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := n.Close(); err != nil {
			log.Error().Err(err).Msg("quicrq-node: close error")
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("quicrq-node: stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error().Msg("quicrq-node: forced exit after shutdown timeout")
	}
	return nil
}
