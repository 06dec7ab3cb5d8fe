package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return configPath
}

func TestLoadConfig(t *testing.T) {
	configPath := writeConfig(t, `
node:
  id: node-1
  name: Frankfurt
sink:
  url: redis://central:6379/0
tail:
  path: /var/log/xray/access.log
  poll_interval: 250ms
batch:
  size: 20
  flush_interval: 10s
retry:
  max_retries: 3
  delay: 500ms
supervisor:
  max_restarts: 2
  restart_base_delay: 1s
position:
  backend: file
logging:
  level: DEBUG
  format: console
metrics:
  enabled: true
health:
  enabled: true
`)

	cfg, err := load(configPath, env(nil))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.ID != "node-1" || cfg.Node.Name != "Frankfurt" {
		t.Errorf("Unexpected node identity: %+v", cfg.Node)
	}
	if cfg.Tail.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected poll interval 250ms, got %v", cfg.Tail.PollInterval)
	}
	if cfg.Batch.Size != 20 || cfg.Batch.FlushInterval != 10*time.Second {
		t.Errorf("Unexpected batch config: %+v", cfg.Batch)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.Delay != 500*time.Millisecond {
		t.Errorf("Unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Supervisor.MaxRestarts != 2 || cfg.Supervisor.StopTimeout != DefaultStopTimeout {
		t.Errorf("Unexpected supervisor config: %+v", cfg.Supervisor)
	}
	if cfg.Position.Dir != DefaultPositionDir {
		t.Errorf("Expected default position dir for the file backend, got %q", cfg.Position.Dir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected normalized log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Metrics.Address != DefaultMetricsAddress || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Health.Address != DefaultHealthAddress || cfg.Health.MaxBuffered != 2000 {
		t.Errorf("Unexpected health defaults: %+v", cfg.Health)
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	configPath := writeConfig(t, `
node:
  id: ${EDGE_ID}
  name: Edge
sink:
  url: redis://central:6379/0
`)

	cfg, err := load(configPath, env(map[string]string{"EDGE_ID": "from-env"}))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.ID != "from-env" {
		t.Errorf("Expected node id from env var, got %s", cfg.Node.ID)
	}
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"NODE_ID":           " node-7 ",
		"NODE_NAME":         "Amsterdam",
		"CENTRAL_REDIS_URL": "redis://central:6379/1",
		"BATCH_SIZE":        "25",
		"FLUSH_INTERVAL":    "1.5",
		"MAX_RETRIES":       "0",
		"RETRY_DELAY":       "0.25",
		"LOG_LEVEL":         "WARNING",
	}))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.ID != "node-7" {
		t.Errorf("Expected trimmed node id, got %q", cfg.Node.ID)
	}
	if cfg.Tail.Path != DefaultAccessLogPath {
		t.Errorf("Expected default access log path, got %s", cfg.Tail.Path)
	}
	if cfg.Batch.Size != 25 {
		t.Errorf("Expected batch size 25, got %d", cfg.Batch.Size)
	}
	if cfg.Batch.FlushInterval != 1500*time.Millisecond {
		t.Errorf("Expected flush interval 1.5s, got %v", cfg.Batch.FlushInterval)
	}
	if cfg.Retry.MaxRetries != 0 {
		t.Errorf("Expected max retries 0, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.Delay != 250*time.Millisecond {
		t.Errorf("Expected retry delay 250ms, got %v", cfg.Retry.Delay)
	}
	if cfg.Logging.Level != "warning" {
		t.Errorf("Expected log level warning, got %s", cfg.Logging.Level)
	}
	if cfg.Position.Backend != "redis" {
		t.Errorf("Expected redis position backend, got %s", cfg.Position.Backend)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	configPath := writeConfig(t, `
node:
  id: file-node
  name: File
sink:
  url: redis://file:6379/0
batch:
  size: 10
`)

	cfg, err := load(configPath, env(map[string]string{
		"NODE_ID":    "env-node",
		"BATCH_SIZE": "99",
	}))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.ID != "env-node" || cfg.Batch.Size != 99 {
		t.Errorf("Environment should override the file, got id=%s size=%d", cfg.Node.ID, cfg.Batch.Size)
	}
	if cfg.Node.Name != "File" {
		t.Errorf("Unset variables should keep file values, got %s", cfg.Node.Name)
	}
}

func TestInvalidEnvironment(t *testing.T) {
	base := map[string]string{
		"NODE_ID":           "n",
		"NODE_NAME":         "n",
		"CENTRAL_REDIS_URL": "redis://x",
	}

	tests := []struct {
		key, value string
	}{
		{"BATCH_SIZE", "many"},
		{"MAX_RETRIES", "1.5"},
		{"FLUSH_INTERVAL", "soon"},
		{"RETRY_DELAY", "later"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			vars := map[string]string{tt.key: tt.value}
			for k, v := range base {
				vars[k] = v
			}

			_, err := load("", env(vars))
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error naming %s, got %v", tt.key, err)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Node = NodeConfig{ID: "node-1", Name: "Edge"}
		cfg.Sink.URL = "redis://central:6379/0"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing node id", func(c *Config) { c.Node.ID = "" }, true},
		{"missing node name", func(c *Config) { c.Node.Name = "" }, true},
		{"missing sink url", func(c *Config) { c.Sink.URL = "" }, true},
		{"missing log path", func(c *Config) { c.Tail.Path = "" }, true},
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }, true},
		{"zero flush interval", func(c *Config) { c.Batch.FlushInterval = 0 }, true},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, true},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }, false},
		{"negative retry delay", func(c *Config) { c.Retry.Delay = -time.Second }, true},
		{"zero retry delay", func(c *Config) { c.Retry.Delay = 0 }, false},
		{"negative restarts", func(c *Config) { c.Supervisor.MaxRestarts = -1 }, true},
		{"unknown backend", func(c *Config) { c.Position.Backend = "etcd" }, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"critical log level", func(c *Config) { c.Logging.Level = "critical" }, false},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad sample rate", func(c *Config) {
			c.Tracing = &TracingConfig{Enabled: true, SampleRate: 2}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil)); err == nil {
		t.Error("Expected error for a missing config file")
	}
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3", 3 * time.Second},
		{"3.0", 3 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"750ms", 750 * time.Millisecond},
		{" 2 ", 2 * time.Second},
	}

	for _, tt := range tests {
		got, err := ParseSeconds(tt.in)
		if err != nil {
			t.Errorf("ParseSeconds(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeconds(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseSeconds("abc"); err == nil {
		t.Error("Expected error for invalid duration")
	}
}
