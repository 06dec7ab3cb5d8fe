package forwarder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/metrics"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/parser"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/reliability"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/sink"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/tailer"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/tracing"
)

var (
	ErrAlreadyRunning = errors.New("engine already started")
	ErrConnectFailed  = errors.New("failed to connect to sink")
)

// Config holds the settings the engine consumes
type Config struct {
	NodeID        string
	NodeName      string
	SinkURL       string
	LogPath       string
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	PollInterval      time.Duration
	MissingFileDelay  time.Duration
	MaxLinesPerSecond float64
}

// Status is a read-only snapshot of the engine for health reporting
type Status struct {
	Running       bool   `json:"running"`
	BufferSize    int    `json:"buffer_size"`
	Offset        int64  `json:"offset"`
	SinkConnected bool   `json:"sink_connected"`
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
}

// StoreFactory builds the position store once the sink is connected
type StoreFactory func(client sink.Client) (checkpoint.Store, error)

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDialer replaces the Redis dialer
func WithDialer(d sink.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithStoreFactory replaces the default Redis-backed position store
func WithStoreFactory(f StoreFactory) Option {
	return func(e *Engine) { e.storeFactory = f }
}

// WithTracer sets the tracer used for connect and flush spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source of the batcher
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine tails the access log, batches accepted events and forwards them to
// the central queue while tracking the read offset
type Engine struct {
	cfg          Config
	logger       *logging.Logger
	metrics      *metrics.Collector
	dialer       sink.Dialer
	storeFactory StoreFactory
	tracer       trace.Tracer
	now          func() time.Time

	parser  *parser.Parser
	policy  reliability.Policy
	batcher *Batcher

	// flushMu serializes flushes from the size and time triggers
	flushMu sync.Mutex

	mu          sync.Mutex
	client      sink.Client
	store       checkpoint.Store
	connected   bool
	running     bool
	started     bool
	stopped     bool
	offsetKnown bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates an engine. It does not touch the network or the file system.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		dialer: sink.DialRedis,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logging.Nop()
	}
	e.logger = e.logger.WithComponent("forwarder")
	if e.tracer == nil {
		e.tracer = otel.Tracer("nodeagent/forwarder")
	}
	if e.storeFactory == nil {
		e.storeFactory = func(client sink.Client) (checkpoint.Store, error) {
			return checkpoint.NewRedisStore(client, cfg.NodeID), nil
		}
	}

	e.parser = parser.New(cfg.NodeID, cfg.NodeName)
	e.policy = reliability.Policy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryDelay,
		MaxDelay:    cfg.MaxRetryDelay,
	}
	e.batcher = NewBatcher(cfg.BatchSize, e.now)

	return e
}

// Run connects to the sink, restores the read offset and then tails and
// flushes until ctx is cancelled or Stop is called. It returns an error when
// startup fails. Stop must be called afterwards to flush and release the
// connection.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.started = true
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(e.done)
	}()

	e.logger.Info().
		Str("log_path", e.cfg.LogPath).
		Int("batch_size", e.cfg.BatchSize).
		Dur("flush_interval", e.cfg.FlushInterval).
		Msg("Starting forwarding engine")

	if err := e.connect(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		return err
	}

	if err := e.restoreOffset(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		return err
	}

	t := tailer.New(tailer.Config{
		Path:              e.cfg.LogPath,
		PollInterval:      e.cfg.PollInterval,
		MissingFileDelay:  e.cfg.MissingFileDelay,
		MaxLinesPerSecond: e.cfg.MaxLinesPerSecond,
	}, e.logger, e.metrics)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := t.Run(runCtx, e.batcher.Offset(), e.handleLine); err != nil {
			errCh <- fmt.Errorf("tailer stopped: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		e.flushLoop(runCtx)
	}()

	var err error
	select {
	case <-runCtx.Done():
	case err = <-errCh:
		e.logger.Error().Err(err).Msg("Engine duty failed")
	}

	cancel()
	wg.Wait()

	return err
}

// Stop cancels the engine duties, waits for them, flushes what is buffered,
// persists the final offset and closes the sink connection. It runs even
// after a failed startup and is a no-op when the engine never started or
// was already stopped.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	e.logger.Info().Msg("Stopping forwarding engine")

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		// Leave the engine stoppable so a later Stop can flush and close
		e.mu.Lock()
		e.stopped = false
		e.mu.Unlock()
		return fmt.Errorf("engine did not stop: %w", ctx.Err())
	}

	e.mu.Lock()
	client, offsetKnown := e.client, e.offsetKnown
	e.mu.Unlock()

	var errs []error
	if client != nil {
		if err := e.flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}

		remaining, offset := e.batcher.State()
		switch {
		case !offsetKnown:
		case remaining > 0:
			e.logger.Warn().
				Int("buffered", remaining).
				Msg("Events still buffered, keeping the last persisted offset")
		default:
			if err := e.saveOffset(ctx, offset); err != nil {
				errs = append(errs, fmt.Errorf("final offset: %w", err))
			}
		}

		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}

	e.mu.Lock()
	e.client = nil
	e.connected = false
	e.mu.Unlock()
	e.setConnectedMetric(false)

	e.logger.Info().Int64("offset", e.batcher.Offset()).Msg("Forwarding engine stopped")

	return errors.Join(errs...)
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() Status {
	size, offset := e.batcher.State()

	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Running:       e.running,
		BufferSize:    size,
		Offset:        offset,
		SinkConnected: e.connected,
		NodeID:        e.cfg.NodeID,
		NodeName:      e.cfg.NodeName,
	}
}

// connect dials the sink and checks it with a ping, retrying with backoff
func (e *Engine) connect(ctx context.Context) error {
	ctx, span := tracing.TraceConnect(ctx, e.tracer, e.cfg.NodeID)
	defer span.End()

	err := e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		client, err := e.dialer(ctx, e.cfg.SinkURL)
		if err != nil {
			return err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return fmt.Errorf("ping: %w", err)
		}

		store, err := e.storeFactory(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("position store: %w", err)
		}

		e.mu.Lock()
		e.client = client
		e.store = store
		e.connected = true
		e.mu.Unlock()
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		if e.metrics != nil {
			e.metrics.SinkConnectAttempts.WithLabelValues("failure").Inc()
		}
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", e.policy.Attempts()).
			Dur("retry_in", delay).
			Msg("Failed to connect to sink")
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if e.metrics != nil {
		e.metrics.SinkConnectAttempts.WithLabelValues("success").Inc()
	}
	e.setConnectedMetric(true)
	e.logger.Info().Msg("Connected to sink")

	return nil
}

// restoreOffset loads the saved read offset. Without a usable saved value
// reading starts at the current end of the file.
func (e *Engine) restoreOffset(ctx context.Context) error {
	ctx, span := tracing.TracePosition(ctx, e.tracer, "restore")
	defer span.End()

	var (
		offset int64
		found  bool
	)

	err := e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		o, ok, err := e.store.Get(ctx)
		if errors.Is(err, checkpoint.ErrInvalidPosition) {
			e.logger.Warn().Err(err).Msg("Ignoring invalid saved position")
			return nil
		}
		if err != nil {
			return err
		}
		offset, found = o, ok
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Failed to load saved position")
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to restore read offset: %w", err)
	}

	tracing.AddEvent(ctx, "position.restored",
		attribute.Int64("position.offset", offset),
		attribute.Bool("position.found", found),
	)
	if found {
		e.logger.Info().Int64("offset", offset).Msg("Resuming from saved position")
	} else {
		offset = e.fileSize()
		e.logger.Info().Int64("offset", offset).Msg("No saved position, starting from end of file")
	}

	e.batcher.SetOffset(offset)
	e.mu.Lock()
	e.offsetKnown = true
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PositionOffset.Set(float64(offset))
	}

	return nil
}

func (e *Engine) setConnectedMetric(up bool) {
	if e.metrics != nil {
		e.metrics.SinkConnected.Set(metrics.BoolGauge(up))
	}
}

func (e *Engine) fileSize() int64 {
	info, err := os.Stat(e.cfg.LogPath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn().Err(err).Str("path", e.cfg.LogPath).Msg("Failed to stat log file")
		}
		return 0
	}
	return info.Size()
}

// handleLine is the tailer callback: parse, buffer, and flush on a full batch
func (e *Engine) handleLine(ctx context.Context, line string, offset int64) error {
	event := e.parser.Parse(line)
	if !parser.Validate(event) {
		e.batcher.Advance(offset)
		if e.metrics != nil {
			e.metrics.ParserLinesDropped.Inc()
			e.metrics.PositionOffset.Set(float64(offset))
		}
		if event != nil {
			e.logger.Warn().Str("line", line).Msg("Dropping incomplete event")
		} else {
			e.logger.Debug().Str("line", line).Msg("Line skipped")
		}
		return nil
	}

	full := e.batcher.Add(event, offset)
	if e.metrics != nil {
		e.metrics.ParserEventsParsed.Inc()
		e.metrics.PositionOffset.Set(float64(offset))
		e.metrics.BufferEvents.Set(float64(e.batcher.Len()))
	}

	if full {
		// Delivery failures keep the batch buffered; they never stop tailing
		e.flush(ctx)
	}
	return nil
}

// flushLoop flushes on a timer when events have waited long enough
func (e *Engine) flushLoop(ctx context.Context) {
	interval := e.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.batcher.Due(interval) {
				e.flush(ctx)
			}
		}
	}
}
