package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/health"
	"github.com/therealutkarshpriyadarshi/nodeagent/internal/metrics"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServerStartStop(t *testing.T) {
	m := metrics.NewCollector()
	m.TailerLinesRead.Add(3)

	checker := health.NewChecker(time.Second)
	checker.Register("engine", health.CheckFunc(func() (bool, string) { return true, "Forwarding" }))

	s := New(Config{
		MetricsAddress:  "127.0.0.1:0",
		HealthAddress:   "127.0.0.1:0",
		MetricsRegistry: m.Registry(),
		HealthChecker:   checker,
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	code, body := get(t, "http://"+s.MetricsAddr().String()+"/metrics")
	if code != http.StatusOK {
		t.Errorf("Expected metrics status 200, got %d", code)
	}
	if !strings.Contains(body, "nodeagent_tailer_lines_read_total") {
		t.Errorf("Expected tailer metric in output, got:\n%s", body)
	}

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		code, _ := get(t, "http://"+s.HealthAddr().String()+path)
		if code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestServerUnhealthyReadiness(t *testing.T) {
	checker := health.NewChecker(time.Second)
	checker.Register("engine", health.CheckFunc(func() (bool, string) { return false, "Sink is not connected" }))

	s := New(Config{
		HealthAddress: "127.0.0.1:0",
		ReadinessPath: "/ready",
		HealthChecker: checker,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	if s.MetricsAddr() != nil {
		t.Error("Metrics server should be disabled without a registry")
	}

	code, _ := get(t, "http://"+s.HealthAddr().String()+"/ready")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", code)
	}
}

func TestServerBindError(t *testing.T) {
	checker := health.NewChecker(time.Second)

	first := New(Config{HealthAddress: "127.0.0.1:0", HealthChecker: checker})
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Stop(context.Background())

	second := New(Config{HealthAddress: first.HealthAddr().String(), HealthChecker: checker})
	if err := second.Start(); err == nil {
		second.Stop(context.Background())
		t.Fatal("Expected bind error on a used address")
	}
}

func TestServerDisabled(t *testing.T) {
	s := New(Config{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
