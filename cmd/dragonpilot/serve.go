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

	"github.com/ZanzyTHEbar/dragonpilot/internal/protocol"
)

func serveCmd(g *globals) *cobra.Command {
	var (
		listen string
		stdio  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control protocol over HTTP or stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				g.cfg.Protocol.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g, stdio)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides protocol.listen)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve newline-delimited JSON-RPC on stdin/stdout instead of HTTP")
	return cmd
}

func serve(ctx context.Context, g *globals, stdio bool) error {
	a, err := newApp(g.cfg, g.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := protocol.NewServer(a.engine, g.logger)
	if err != nil {
		return err
	}
	notifier, err := protocol.NewNotifier(a.bus, g.logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.link.Run(ctx) })
	eg.Go(func() error {
		a.cleanupLoop(ctx, time.Hour)
		return nil
	})

	if stdio {
		eg.Go(func() error {
			g.logger.Info("serving control protocol on stdio")
			if err := protocol.ServeStdio(ctx, server, notifier, os.Stdin, os.Stdout); err != nil {
				return err
			}
			// End of input ends the session.
			return errStdinClosed
		})
	} else {
		pc := g.cfg.Protocol
		httpServer := &http.Server{
			Addr: pc.Listen,
			Handler: protocol.NewHTTPHandler(server, notifier,
				protocol.WithJWTSecret(pc.JWTSecret),
				protocol.WithRateLimit(pc.RateLimit, pc.RateBurst),
				protocol.WithHTTPLogger(g.logger)),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		eg.Go(func() error {
			g.logger.Info("serving control protocol", "addr", pc.Listen, "auth", pc.JWTSecret != "")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = eg.Wait()
	if errors.Is(err, errStdinClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errStdinClosed = errors.New("stdin closed")
