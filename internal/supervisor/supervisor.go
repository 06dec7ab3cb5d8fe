package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/forwarder"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/metrics"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/reliability"
)

const (
	DefaultMaxRestarts      = 5
	DefaultRestartBaseDelay = 5 * time.Second
	DefaultStopTimeout      = 30 * time.Second
)

var (
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	ErrEngineExited           = errors.New("engine exited without error")
)

// Engine is one run of the forwarding engine
type Engine interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() forwarder.Status
}

// Factory creates a fresh engine for every start
type Factory func() Engine

// Config holds supervisor configuration
type Config struct {
	// MaxRestarts bounds the total number of engine runs; 0 and 1 both mean
	// a single run without restarts
	MaxRestarts      int
	RestartBaseDelay time.Duration
	MaxRestartDelay  time.Duration
	StopTimeout      time.Duration
}

// Supervisor runs an engine and restarts it with backoff when it crashes
type Supervisor struct {
	cfg     Config
	factory Factory
	logger  *logging.Logger
	metrics *metrics.Collector
	policy  reliability.Policy
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	current  Engine
	restarts int
}

// New creates a supervisor. m may be nil.
func New(cfg Config, factory Factory, logger *logging.Logger, m *metrics.Collector) *Supervisor {
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  logger.WithComponent("supervisor"),
		metrics: m,
		policy: reliability.Policy{
			BaseDelay: cfg.RestartBaseDelay,
			MaxDelay:  cfg.MaxRestartDelay,
		},
		sleep: reliability.Sleep,
	}
}

// Run starts the engine and keeps it running until ctx is cancelled, which
// returns nil, or until the restart budget is spent, which returns
// ErrRestartBudgetExhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	runs := 0

	for {
		if ctx.Err() != nil {
			s.logger.Info().Msg("Shutdown requested")
			return nil
		}

		eng := s.factory()
		s.mu.Lock()
		s.current = eng
		s.mu.Unlock()

		shutdown, err := s.runOnce(ctx, eng)
		s.stopEngine(eng)

		if shutdown {
			s.logger.Info().Msg("Shutdown requested")
			return nil
		}

		if err == nil {
			err = ErrEngineExited
		}
		if s.metrics != nil {
			s.metrics.SupervisorEngineCrashes.Inc()
		}

		runs++
		if runs >= s.cfg.MaxRestarts {
			s.logger.Error().
				Err(err).
				Int("runs", runs).
				Int("max_restarts", s.cfg.MaxRestarts).
				Msg("Maximum restart attempts reached, giving up")
			return fmt.Errorf("%w: %w", ErrRestartBudgetExhausted, err)
		}

		delay := s.policy.Delay(runs - 1)
		s.logger.Error().
			Err(err).
			Int("attempt", runs).
			Int("max_restarts", s.cfg.MaxRestarts).
			Dur("retry_in", delay).
			Msg("Engine crashed, restarting")

		if err := s.sleep(ctx, delay); err != nil {
			s.logger.Info().Msg("Shutdown requested during restart backoff")
			return nil
		}

		s.mu.Lock()
		s.restarts = runs
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SupervisorRestarts.Inc()
		}
	}
}

// runOnce races the engine run against ctx. shutdown reports whether ctx
// ended the run.
func (s *Supervisor) runOnce(ctx context.Context, eng Engine) (shutdown bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setEngineUp(true)
	defer s.setEngineUp(false)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("engine panic: %v", r)
			}
		}()
		errCh <- eng.Run(runCtx)
	}()

	select {
	case err := <-errCh:
		return ctx.Err() != nil, err
	case <-ctx.Done():
		cancel()
		<-errCh
		return true, nil
	}
}

func (s *Supervisor) stopEngine(eng Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()

	if err := eng.Stop(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error stopping engine")
	}
}

func (s *Supervisor) setEngineUp(up bool) {
	if s.metrics != nil {
		s.metrics.SupervisorEngineUp.Set(metrics.BoolGauge(up))
	}
}

// Status returns the status of the current engine, if one was created
func (s *Supervisor) Status() (forwarder.Status, bool) {
	s.mu.RLock()
	eng := s.current
	s.mu.RUnlock()

	if eng == nil {
		return forwarder.Status{}, false
	}
	return eng.Status(), true
}

// Restarts returns the number of restarts so far
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}
