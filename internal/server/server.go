package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/health"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	metricsServer *http.Server
	healthServer  *http.Server
	logger        *logging.Logger

	metricsAddr net.Addr
	healthAddr  net.Addr
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server. A surface is disabled when its address or
// backing registry/checker is empty.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{
		logger: logger.WithComponent("server"),
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		mux := http.NewServeMux()
		mux.Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))

		s.metricsServer = newHTTPServer(cfg.MetricsAddress, mux)
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		mux := http.NewServeMux()
		mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())

		s.healthServer = newHTTPServer(cfg.HealthAddress, mux)
	}

	return s
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Start binds the listeners and serves in the background. Bind errors are
// returned immediately.
func (s *Server) Start() error {
	if s.metricsServer != nil {
		addr, err := s.serve("metrics", s.metricsServer)
		if err != nil {
			return err
		}
		s.metricsAddr = addr
	}

	if s.healthServer != nil {
		addr, err := s.serve("health", s.healthServer)
		if err != nil {
			if s.metricsServer != nil {
				s.metricsServer.Close()
			}
			return err
		}
		s.healthAddr = addr
	}

	return nil
}

func (s *Server) serve(name string, srv *http.Server) (net.Addr, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("%s server error: %w", name, err)
	}

	s.logger.Info().
		Str("address", ln.Addr().String()).
		Msgf("Starting %s server", name)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msgf("%s server stopped", name)
		}
	}()

	return ln.Addr(), nil
}

// MetricsAddr returns the bound metrics address, or nil when disabled
func (s *Server) MetricsAddr() net.Addr {
	return s.metricsAddr
}

// HealthAddr returns the bound health address, or nil when disabled
func (s *Server) HealthAddr() net.Addr {
	return s.healthAddr
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.metricsServer != nil {
		s.logger.Info().Msg("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error shutting down metrics server")
			errs = append(errs, err)
		}
	}

	if s.healthServer != nil {
		s.logger.Info().Msg("Shutting down health server")
		if err := s.healthServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error shutting down health server")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
