package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/dragonpilot/internal/link/rpclink"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/sim"
)

func simulateCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated vehicle as a JSON-RPC bridge",
		Long: `Run the built-in simulated multicopter behind the vehicle bridge protocol so
that "serve" or "run" with link.transport=rpc can fly it over the network.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge := rpclink.NewBridge(sim.New(g.cfg.Sim), g.logger)
			mux := http.NewServeMux()
			mux.Handle("/rpc", bridge)
			httpServer := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error { return bridge.Run(ctx) })
			eg.Go(func() error {
				g.logger.Info("simulated vehicle bridge listening", "addr", listen, "endpoint", "/rpc")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8790", "bridge listen address")
	return cmd
}
