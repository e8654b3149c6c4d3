package pgpubsub

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownCoordinator releases every live channel lock on process
// termination signals, bounded by a grace window after which it reports
// back unconditionally so the caller can exit.
type ShutdownCoordinator struct {
	timeout time.Duration
	logger  Logger

	mu      sync.Mutex
	sigCh   chan os.Signal
	stopped chan struct{}
}

// NewShutdownCoordinator builds a coordinator bounded by timeout.
func NewShutdownCoordinator(timeout time.Duration, logger Logger) *ShutdownCoordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ShutdownCoordinator{timeout: timeout, logger: logger}
}

// Listen installs a SIGINT/SIGTERM handler that, on the first signal,
// destroys every lock in the process-wide roster and exits the process with
// releaseAll's code (0 on clean release, 1 otherwise). Returns
// a function that removes the handler without destroying anything, for
// callers that want to manage their own signal wiring instead.
func (s *ShutdownCoordinator) Listen() (stop func()) {
	s.mu.Lock()
	sigCh := make(chan os.Signal, 1)
	s.sigCh = sigCh
	s.mu.Unlock()

	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		s.logger.Warn("pgpubsub: received termination signal, releasing locks", "signal", sig)
		code := s.releaseAll()
		os.Exit(code)
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// releaseAll iterates the process-wide lock roster and destroys each lock,
// bounded by the coordinator's timeout. Returns 0 if every release
// completed cleanly within the window, 1 otherwise.
func (s *ShutdownCoordinator) releaseAll() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- destroyRoster(ctx, globalRoster)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("pgpubsub: error releasing locks on shutdown", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		s.logger.Warn("pgpubsub: shutdown grace window elapsed before all locks released")
		return 1
	}
}

// destroyRoster destroys every lock currently in r, returning the first
// error encountered (if any) after attempting all of them.
func destroyRoster(ctx context.Context, r *roster) error {
	var firstErr error
	for _, l := range r.snapshot() {
		if err := l.destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
