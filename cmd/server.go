package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/config"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

// serve runs handler until ctx ends, then shuts down gracefully.
func serve(ctx context.Context, cfg config.ServerConfig, port int, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// consume drains consumer into handler in the background. The returned
// channel yields the consumer's exit error once ctx ends.
func consume(ctx context.Context, consumer queue.Consumer, handler queue.Handler, logger *zap.Logger) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		logger.Info("task consumer started")
		if err := consumer.Consume(ctx, handler); err != nil {
			logger.Error("task consumer stopped", zap.Error(err))
			done <- err
		}
	}()
	return done
}
