package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"quote-engine/internal/api"
	"quote-engine/internal/version"
)

// Serve runs the HTTP API, the maintenance loop and the custody dispatcher
// until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	var health api.Pinger
	if rt.store != nil {
		health = rt.store
	}
	handler := api.New(rt.engine, health, a.Logger).Handler()
	srv := api.NewHTTPServer(a.Config.Server.Addr, handler, a.Config.Server.ReadTimeout, a.Config.Server.WriteTimeout)

	// The dispatcher outlives the listener so notifications from in-flight
	// confirmations are still delivered.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)

	if rt.dispatcher != nil {
		g.Go(func() error {
			if err := rt.dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if a.Config.Maintenance.Enabled {
		g.Go(func() error {
			a.Logger.Info().Dur("interval", a.Config.Maintenance.Interval).Msg("starting quote maintenance")
			if err := rt.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Str("build", version.String()).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := a.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
		defer cancelShutdown()
		err := srv.Shutdown(shutdownCtx)
		stopDispatch()
		if rt.dispatcher != nil {
			<-rt.dispatcher.Done()
		}
		return err
	})

	err = g.Wait()
	if err != nil {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}
