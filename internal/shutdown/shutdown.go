package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
)

// Manager turns termination signals into context cancellation and runs
// registered cleanup once the agent has stopped
type Manager struct {
	logger        *logging.Logger
	timeout       time.Duration
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	requestCh     chan struct{}
	requestOnce   sync.Once
	shutdownOnce  sync.Once
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type namedFunc struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		requestCh:    make(chan struct{}),
	}
}

// RegisterFunc registers a cleanup function run by Shutdown
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("name", name).Msg("Registered shutdown function")
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Context returns a child of parent that is cancelled once shutdown is
// requested
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-m.requestCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WaitForSignal blocks until a shutdown signal is received or shutdown is
// requested some other way. A signal only requests shutdown; cleanup runs
// when Shutdown is called.
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Request()
	case <-m.requestCh:
		// Already shutting down
	}
}

// Request asks the agent to stop without running cleanup
func (m *Manager) Request() {
	m.requestOnce.Do(func() {
		close(m.requestCh)
	})
}

// Shutdown requests shutdown and runs the registered functions once
func (m *Manager) Shutdown() {
	m.Request()
	m.shutdownOnce.Do(m.performShutdown)
}

// performShutdown executes all registered shutdown functions
func (m *Manager) performShutdown() {
	m.mu.Lock()
	funcs := append([]namedFunc(nil), m.shutdownFuncs...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errors := make(chan error, len(funcs))

	// Execute all shutdown functions in parallel
	for _, f := range funcs {
		wg.Add(1)
		go func(f namedFunc) {
			defer wg.Done()

			if err := f.fn(ctx); err != nil {
				m.logger.Error().
					Err(err).
					Str("name", f.name).
					Msg("Shutdown function failed")
				errors <- err
				return
			}
			m.logger.Debug().Str("name", f.name).Msg("Shutdown function completed")
		}(f)
	}

	// Wait for all functions to complete or timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
		close(errors)
	}()

	select {
	case <-done:
		var errorCount int
		for range errors {
			errorCount++
		}
		if errorCount > 0 {
			m.logger.Warn().
				Int("errors", errorCount).
				Msg("Graceful shutdown completed with errors")
		} else {
			m.logger.Info().Msg("Graceful shutdown completed successfully")
		}
	case <-ctx.Done():
		m.logger.Warn().
			Dur("timeout", m.timeout).
			Msg("Graceful shutdown timed out, forcing exit")
	}
}
