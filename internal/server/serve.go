package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ListenAndServe listens on the server's address and serves until ctx is
// done. See Serve.
func ListenAndServe(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	return Serve(ctx, listener, srv, shutdownTimeout, hooks)
}

// Serve serves HTTP on listener until ctx is done, then stops accepting
// requests and waits up to shutdownTimeout for in-flight requests before
// running the shutdown hooks.
func Serve(ctx context.Context, listener net.Listener, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", listener.Addr().String()).Msg("server listening")
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		// the server stopped without being asked to
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", shutdownTimeout).Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}

	if hooks != nil {
		if err := hooks.Execute(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Msg("server shutdown complete")

	return errors.Join(errs...)
}
