package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/speedyreader/internal/server"
	"github.com/bryan-buckman/speedyreader/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with background refresh",
	Long: `Serve the JSON API on listen_addr and refresh feeds every
refresh_interval_minutes. The cache is pruned and compacted on shutdown.

Examples:
  speedyreader serve
  speedyreader serve --addr 0.0.0.0:9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.ListenAddr
	}

	a, err := openApp()
	if err != nil {
		return err
	}

	poller := session.NewPoller(a.sess, cfg.RefreshIntervalMinutes)
	srv := server.New(a.sess, poller, log)

	ctx, stop := signalContext(cmd)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown failed", "error", serr)
	}
	return errors.Join(err, a.close(true))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
