package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/internal/logging"
	"github.com/omochice/resilient-chat/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		logLevel string
		dev      bool
	)
	cmd := &cobra.Command{
		Use:          "chat-server",
		Short:        "In-memory relay for chat-client development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logLevel, dev)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(addr, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":2033", "address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&dev, "dev", false, "human-readable development logging")
	return cmd
}

func serve(addr string, log *zap.Logger) error {
	srv := server.New(addr, server.WithLogger(log))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info("shutting down", zap.Stringer("signal", sig))
		srv.Stop()
	}
	log.Info("server stopped")
	return nil
}
