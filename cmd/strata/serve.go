package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/strata/server"
)

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	var (
		addr string
		tick time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve [package.spk...]",
		Short: "Run the engine with a remote console",
		Long: `The serve command loads packages like run, then ticks the game thread
and serves the console (gRPC and Connect) and Prometheus metrics until
interrupted.

Example:
  strata serve --addr :7077 --tick 16ms
  curl -H 'Content-Type: application/json' -d '"OBJ LIST"' \
    http://localhost:7077/strata.v1.Console/Exec`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), args, addr, tick)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: [console] addr)")
	cmd.Flags().DurationVar(&tick, "tick", 16*time.Millisecond, "Frame interval, 0 to disable ticking")
	return cmd
}

func runServe(ctx context.Context, args []string, addr string, tick time.Duration) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Console.Addr
	}
	e, err := newEngine(cfg, args)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()

	srv, err := server.New(e.vm, server.WithTickInterval(tick))
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return err
}
