package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Serve blocks while handling HTTP on the listener. Cancel ctx to initiate a
// graceful shutdown; in-flight requests are allowed to drain.
//
// WriteTimeout is generous because /index and /query legitimately run for
// minutes against local model backends; per-operation deadlines are enforced
// inside the handlers instead.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	logger.Info("listening", zap.String("addr", listener.Addr().String()))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
