// Package signal ties server shutdown to process signals.
package signal

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownContext returns a context cancelled by the first SIGINT or
// SIGTERM, which starts a graceful drain. A second signal calls force so
// the caller can abandon the drain. stop releases the signal handler.
func ShutdownContext(parent context.Context, logger *slog.Logger, force func()) (ctx context.Context, stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ctx, stopWatch := watch(parent, sigs, logger, force)
	return ctx, func() {
		signal.Stop(sigs)
		stopWatch()
	}
}

func watch(parent context.Context, sigs <-chan os.Signal, logger *slog.Logger, force func()) (context.Context, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("shutdown requested", "signal", sig.String())
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigs:
			logger.Warn("second signal, abandoning graceful shutdown", "signal", sig.String())
			if force != nil {
				force()
			}
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}
}
