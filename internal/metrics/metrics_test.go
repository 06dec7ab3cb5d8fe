package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	if c.Registry() == nil {
		t.Error("registry is nil")
	}

	if c.TailerLinesRead == nil || c.FlushEventsSent == nil || c.SupervisorRestarts == nil {
		t.Error("metrics not initialized")
	}

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected registered metric families")
	}
}

func TestFlushMetrics(t *testing.T) {
	c := NewCollector()

	c.FlushEventsSent.Add(100)
	c.FlushBatchSize.Observe(50)
	c.FlushDuration.Observe(0.050) // 50ms

	metric := &dto.Metric{}
	if err := c.FlushEventsSent.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 100 {
		t.Errorf("Expected 100, got %f", metric.Counter.GetValue())
	}

	metric = &dto.Metric{}
	if err := c.FlushBatchSize.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("Expected 1 sample, got %d", metric.Histogram.GetSampleCount())
	}
}

func TestSinkMetrics(t *testing.T) {
	c := NewCollector()

	c.SinkConnected.Set(BoolGauge(true))
	c.SinkConnectAttempts.WithLabelValues("failure").Add(2)

	metric := &dto.Metric{}
	if err := c.SinkConnected.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 1 {
		t.Errorf("Expected 1, got %f", metric.Gauge.GetValue())
	}

	metric = &dto.Metric{}
	if err := c.SinkConnectAttempts.WithLabelValues("failure").(prometheus.Counter).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected 2, got %f", metric.Counter.GetValue())
	}
}

func TestSystemMetrics(t *testing.T) {
	c := NewCollector()

	c.collectSystemMetrics()

	metric := &dto.Metric{}
	if err := c.SystemGoroutines.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", metric.Gauge.GetValue())
	}

	metric = &dto.Metric{}
	if err := c.SystemMemAlloc.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() <= 0 {
		t.Errorf("Expected positive memory allocation, got %f", metric.Gauge.GetValue())
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	c.Start(10 * time.Millisecond)
	c.Start(10 * time.Millisecond) // second start is a no-op

	// Wait a bit to let the background goroutine collect metrics
	time.Sleep(50 * time.Millisecond)

	c.Stop()
	c.Stop()

	if c.stopCh != nil {
		t.Error("Collector should be stopped after Stop()")
	}
}

func TestBoolGauge(t *testing.T) {
	if BoolGauge(true) != 1 || BoolGauge(false) != 0 {
		t.Error("BoolGauge returned unexpected values")
	}
}
