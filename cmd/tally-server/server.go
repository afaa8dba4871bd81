package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// serve starts the HTTP server and the maintenance loops and blocks until
// shutdown.
func (app *application) serve() error {
	//
	// DESIGN
	// ------
	//
	// Three goroutines share one errgroup context: the HTTP server, the
	// replay guard sweep and the tracker loop.
	//
	// 1. SIGNALS
	//    SIGINT/SIGTERM cancel the root context. The HTTP goroutine then calls
	//    Shutdown with a fresh timeout context so in-flight pings still reach
	//    the tracker before it stops.
	//
	// 2. ORDERING
	//    The tracker loop also watches the root context, but its final flush
	//    must see the pings accepted during HTTP shutdown. It therefore waits
	//    on `httpDone` instead, which closes only after Shutdown returns.
	//
	// 3. ERROR PROPAGATION
	//    A listener failure cancels the group context, which stops the other
	//    loops; the first error is returned from Wait.
	//
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", app.config.Server.Addr)
	if err != nil {
		return err
	}

	serverAddr := ln.Addr().String()

	srv := &http.Server{
		Handler:      app.routes(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	httpDone := make(chan struct{})

	g.Go(func() error {
		defer close(httpDone)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		app.logger.Info("server starting", "address", serverAddr)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-gctx.Done():
		}

		app.logger.Info("shutting down server", "address", serverAddr)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return app.guard.Run(gctx, app.config.Replay.SweepInterval, func(removed, remaining int) {
			if removed > 0 {
				app.logger.Debug("replay guard swept", "removed", removed, "remaining", remaining)
			}
		})
	})

	g.Go(func() error {
		trackerCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			<-httpDone
			cancel()
		}()

		return app.tracker.Run(trackerCtx,
			app.config.Tracker.FlushInterval,
			app.config.Tracker.AggregateInterval,
			app.now)
	})

	err = g.Wait()

	app.close()

	if err != nil {
		app.logger.Error("server stopped with error", "error", err, "address", serverAddr)
		return err
	}

	app.logger.Info("server stopped gracefully", "address", serverAddr)
	return nil
}
