package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/config"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/forwarder"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/health"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/metrics"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/server"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/sink"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/supervisor"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/tracing"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file (environment only when empty)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "0.1.0"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}).WithNode(cfg.Node.ID, cfg.Node.Name)
	logging.SetGlobal(logger)

	logger.Info().
		Str("version", version).
		Str("log_path", cfg.Tail.Path).
		Int("batch_size", cfg.Batch.Size).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Msg("Starting node agent")

	mgr := shutdown.New(shutdown.Config{
		Timeout: cfg.Supervisor.StopTimeout,
		Logger:  logger,
	})
	defer mgr.Shutdown()
	go mgr.WaitForSignal()

	ctx, cancel := mgr.Context(context.Background())
	defer cancel()

	m := metrics.NewCollector()
	m.Start(15 * time.Second)
	mgr.RegisterFunc("metrics", func(context.Context) error {
		m.Stop()
		return nil
	})

	tracingCfg := tracing.Config{}
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:    cfg.Tracing.Enabled,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
			Insecure:   cfg.Tracing.Insecure,
		}
	}
	tp, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	mgr.RegisterFunc("tracing", tp.Shutdown)

	storeFactory, err := positionStore(cfg)
	if err != nil {
		return err
	}

	engineCfg := forwarder.Config{
		NodeID:            cfg.Node.ID,
		NodeName:          cfg.Node.Name,
		SinkURL:           cfg.Sink.URL,
		LogPath:           cfg.Tail.Path,
		BatchSize:         cfg.Batch.Size,
		FlushInterval:     cfg.Batch.FlushInterval,
		MaxRetries:        cfg.Retry.MaxRetries,
		RetryDelay:        cfg.Retry.Delay,
		MaxRetryDelay:     cfg.Retry.MaxDelay,
		PollInterval:      cfg.Tail.PollInterval,
		MissingFileDelay:  cfg.Tail.MissingFileDelay,
		MaxLinesPerSecond: cfg.Tail.MaxLinesPerSecond,
	}

	sup := supervisor.New(supervisor.Config{
		MaxRestarts:      cfg.Supervisor.MaxRestarts,
		RestartBaseDelay: cfg.Supervisor.RestartBaseDelay,
		MaxRestartDelay:  cfg.Supervisor.MaxRestartDelay,
		StopTimeout:      cfg.Supervisor.StopTimeout,
	}, func() supervisor.Engine {
		return forwarder.New(engineCfg,
			forwarder.WithLogger(logger),
			forwarder.WithMetrics(m),
			forwarder.WithTracer(tp.Tracer()),
			forwarder.WithDialer(sink.DialRedis),
			forwarder.WithStoreFactory(storeFactory),
		)
	}, logger, m)

	if err := startServer(cfg, m, sup, logger, mgr); err != nil {
		return err
	}

	runErr := sup.Run(ctx)

	// The engine has flushed and stopped; tear down the surfaces around it
	mgr.Shutdown()

	if errors.Is(runErr, supervisor.ErrRestartBudgetExhausted) {
		logger.Error().Err(runErr).Msg("Node agent gave up")
		return runErr
	}
	if runErr != nil {
		return runErr
	}

	logger.Info().Msg("Node agent stopped")
	return nil
}

// positionStore selects where the read offset is kept. nil keeps the
// engine's default Redis store.
func positionStore(cfg *config.Config) (forwarder.StoreFactory, error) {
	switch cfg.Position.Backend {
	case "file":
		store, err := checkpoint.NewFileStore(cfg.Position.Dir, cfg.Node.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create position store: %w", err)
		}
		return func(sink.Client) (checkpoint.Store, error) {
			return store, nil
		}, nil
	default:
		return nil, nil
	}
}

func startServer(cfg *config.Config, m *metrics.Collector, sup *supervisor.Supervisor, logger *logging.Logger, mgr *shutdown.Manager) error {
	srvCfg := server.Config{Logger: logger}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsRegistry = m.Registry()
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		checker := health.NewChecker(cfg.Health.Timeout)
		checker.Register("engine", health.EngineCheck(sup, cfg.Health.MaxBuffered))
		checker.Register("access_log", health.CheckFunc(func() (bool, string) {
			if _, err := os.Stat(cfg.Tail.Path); err != nil {
				return false, err.Error()
			}
			return true, "Present"
		}))

		srvCfg.HealthAddress = cfg.Health.Address
		srvCfg.LivenessPath = cfg.Health.LivenessPath
		srvCfg.ReadinessPath = cfg.Health.ReadinessPath
		srvCfg.HealthChecker = checker
	}

	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	mgr.RegisterFunc("server", srv.Stop)
	return nil
}
