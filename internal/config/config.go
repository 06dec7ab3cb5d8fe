package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Sink       SinkConfig       `yaml:"sink"`
	Tail       TailConfig       `yaml:"tail"`
	Batch      BatchConfig      `yaml:"batch"`
	Retry      RetryConfig      `yaml:"retry"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Position   PositionConfig   `yaml:"position"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    *MetricsConfig   `yaml:"metrics,omitempty"`
	Health     *HealthConfig    `yaml:"health,omitempty"`
	Tracing    *TracingConfig   `yaml:"tracing,omitempty"`
}

// NodeConfig identifies this node to the central service
type NodeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SinkConfig holds the central Redis connection settings
type SinkConfig struct {
	URL string `yaml:"url"`
}

// TailConfig holds access log tailing settings
type TailConfig struct {
	Path              string        `yaml:"path"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	MissingFileDelay  time.Duration `yaml:"missing_file_delay,omitempty"`
	MaxLinesPerSecond float64       `yaml:"max_lines_per_second,omitempty"`
}

// BatchConfig holds batching settings
type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RetryConfig holds retry settings for sink operations
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"max_delay,omitempty"`
}

// SupervisorConfig holds engine restart settings
type SupervisorConfig struct {
	MaxRestarts      int           `yaml:"max_restarts"`
	RestartBaseDelay time.Duration `yaml:"restart_base_delay"`
	MaxRestartDelay  time.Duration `yaml:"max_restart_delay,omitempty"`
	StopTimeout      time.Duration `yaml:"stop_timeout,omitempty"`
}

// PositionConfig selects where the read offset is kept
type PositionConfig struct {
	Backend string `yaml:"backend"` // redis or file
	Dir     string `yaml:"dir,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	// MaxBuffered marks the agent degraded when this many events wait for delivery
	MaxBuffered int `yaml:"max_buffered,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty"`
}

// Default values
const (
	DefaultAccessLogPath    = "/var/lib/marzban-node/access.log"
	DefaultBatchSize        = 50
	DefaultFlushInterval    = 3 * time.Second
	DefaultMaxRetries       = 5
	DefaultRetryDelay       = 2 * time.Second
	DefaultMaxRestarts      = 5
	DefaultRestartBaseDelay = 5 * time.Second
	DefaultStopTimeout      = 30 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultMissingFileDelay = 5 * time.Second
	DefaultPositionBackend  = "redis"
	DefaultPositionDir      = "/var/lib/nodeagent/positions"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMetricsAddress   = ":9090"
	DefaultHealthAddress    = ":8081"
)

// Load reads configuration from an optional YAML file, then applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := []byte(os.Expand(string(data), func(key string) string {
			v, _ := lookup(key)
			return v
		}))

		if err := yaml.Unmarshal(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides settings from the environment variables the agent has
// always been configured with
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	str("NODE_ID", &c.Node.ID)
	str("NODE_NAME", &c.Node.Name)
	str("CENTRAL_REDIS_URL", &c.Sink.URL)
	str("ACCESS_LOG_PATH", &c.Tail.Path)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("BATCH_SIZE"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BATCH_SIZE: %w", err)
		}
		c.Batch.Size = n
	}

	if v, ok := lookup("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		c.Retry.MaxRetries = n
	}

	if v, ok := lookup("FLUSH_INTERVAL"); ok {
		d, err := ParseSeconds(v)
		if err != nil {
			return fmt.Errorf("FLUSH_INTERVAL: %w", err)
		}
		c.Batch.FlushInterval = d
	}

	if v, ok := lookup("RETRY_DELAY"); ok {
		d, err := ParseSeconds(v)
		if err != nil {
			return fmt.Errorf("RETRY_DELAY: %w", err)
		}
		c.Retry.Delay = d
	}

	return nil
}

// ParseSeconds parses a duration given either as a number of seconds
// ("2.5") or as a Go duration ("2500ms")
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Tail.Path == "" {
		c.Tail.Path = DefaultAccessLogPath
	}
	if c.Tail.PollInterval == 0 {
		c.Tail.PollInterval = DefaultPollInterval
	}
	if c.Tail.MissingFileDelay == 0 {
		c.Tail.MissingFileDelay = DefaultMissingFileDelay
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = DefaultStopTimeout
	}
	if c.Position.Backend == "" {
		c.Position.Backend = DefaultPositionBackend
	}
	if c.Position.Backend == "file" && c.Position.Dir == "" {
		c.Position.Dir = DefaultPositionDir
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Metrics != nil && c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	if c.Health != nil && c.Health.Enabled {
		if c.Health.Address == "" {
			c.Health.Address = DefaultHealthAddress
		}
		if c.Health.MaxBuffered == 0 {
			c.Health.MaxBuffered = 100 * c.Batch.Size
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node id is required (NODE_ID)")
	}
	if c.Node.Name == "" {
		return fmt.Errorf("node name is required (NODE_NAME)")
	}
	if c.Sink.URL == "" {
		return fmt.Errorf("sink url is required (CENTRAL_REDIS_URL)")
	}
	if c.Tail.Path == "" {
		return fmt.Errorf("access log path is required (ACCESS_LOG_PATH)")
	}

	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %v", c.Batch.FlushInterval)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must be non-negative, got %v", c.Retry.Delay)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("max restarts must be non-negative, got %d", c.Supervisor.MaxRestarts)
	}
	if c.Supervisor.RestartBaseDelay < 0 {
		return fmt.Errorf("restart base delay must be non-negative, got %v", c.Supervisor.RestartBaseDelay)
	}
	if c.Tail.MaxLinesPerSecond < 0 {
		return fmt.Errorf("max lines per second must be non-negative, got %v", c.Tail.MaxLinesPerSecond)
	}

	switch c.Position.Backend {
	case "redis", "file":
	default:
		return fmt.Errorf("invalid position backend: %s", c.Position.Backend)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "warning": true,
		"error": true, "fatal": true, "critical": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Tracing != nil && c.Tracing.Enabled {
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing sample rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
		}
	}

	return nil
}

// DefaultConfig returns a configuration with every default filled in and
// no node identity
func DefaultConfig() *Config {
	return &Config{
		Tail: TailConfig{
			Path:             DefaultAccessLogPath,
			PollInterval:     DefaultPollInterval,
			MissingFileDelay: DefaultMissingFileDelay,
		},
		Batch: BatchConfig{
			Size:          DefaultBatchSize,
			FlushInterval: DefaultFlushInterval,
		},
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			Delay:      DefaultRetryDelay,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:      DefaultMaxRestarts,
			RestartBaseDelay: DefaultRestartBaseDelay,
			StopTimeout:      DefaultStopTimeout,
		},
		Position: PositionConfig{
			Backend: DefaultPositionBackend,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
