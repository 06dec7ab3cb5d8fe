package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "nodeagent"

// Collector provides a central place for all agent metrics
type Collector struct {
	// Tailer metrics
	TailerLinesRead   prometheus.Counter
	TailerBytesRead   prometheus.Counter
	TailerFileMissing prometheus.Counter
	TailerReadErrors  prometheus.Counter
	TailerRateLimited prometheus.Counter

	// Parser metrics
	ParserEventsParsed prometheus.Counter
	ParserLinesDropped prometheus.Counter

	// Buffer metrics
	BufferEvents prometheus.Gauge

	// Flush metrics
	FlushEventsSent  prometheus.Counter
	FlushBatchesSent prometheus.Counter
	FlushRetries     prometheus.Counter
	FlushFailures    prometheus.Counter
	FlushRequeued    prometheus.Counter
	FlushBatchSize   prometheus.Histogram
	FlushDuration    prometheus.Histogram

	// Position metrics
	PositionOffset       prometheus.Gauge
	PositionPersisted    prometheus.Gauge
	PositionSaveFailures prometheus.Counter

	// Sink metrics
	SinkConnected       prometheus.Gauge
	SinkConnectAttempts *prometheus.CounterVec

	// Supervisor metrics
	SupervisorRestarts      prometheus.Counter
	SupervisorEngineUp      prometheus.Gauge
	SupervisorEngineCrashes prometheus.Counter

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initTailerMetrics()
	c.initParserMetrics()
	c.initBufferMetrics()
	c.initFlushMetrics()
	c.initPositionMetrics()
	c.initSinkMetrics()
	c.initSupervisorMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initTailerMetrics() {
	f := promauto.With(c.registry)

	c.TailerLinesRead = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "lines_read_total",
		Help:      "Total number of complete lines read from the access log",
	})

	c.TailerBytesRead = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "bytes_read_total",
		Help:      "Total bytes consumed from the access log",
	})

	c.TailerFileMissing = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "file_missing_total",
		Help:      "Number of times the access log was found missing",
	})

	c.TailerReadErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "read_errors_total",
		Help:      "Number of I/O errors while following the access log",
	})

	c.TailerRateLimited = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "rate_limited_total",
		Help:      "Number of lines delayed by the line rate limit",
	})
}

func (c *Collector) initParserMetrics() {
	f := promauto.With(c.registry)

	c.ParserEventsParsed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "events_parsed_total",
		Help:      "Total number of accepted-connection events extracted",
	})

	c.ParserLinesDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "lines_dropped_total",
		Help:      "Total number of lines that did not yield an event",
	})
}

func (c *Collector) initBufferMetrics() {
	c.BufferEvents = promauto.With(c.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "events",
		Help:      "Number of events waiting to be flushed",
	})
}

func (c *Collector) initFlushMetrics() {
	f := promauto.With(c.registry)

	c.FlushEventsSent = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "events_sent_total",
		Help:      "Total number of events pushed to the central queue",
	})

	c.FlushBatchesSent = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "batches_sent_total",
		Help:      "Total number of batches pushed to the central queue",
	})

	c.FlushRetries = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "retries_total",
		Help:      "Total number of failed push attempts",
	})

	c.FlushFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "failures_total",
		Help:      "Total number of flushes that exhausted their retries",
	})

	c.FlushRequeued = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "events_requeued_total",
		Help:      "Total number of events put back into the buffer after a failed flush",
	})

	c.FlushBatchSize = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "batch_size",
		Help:      "Number of events in each delivered batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 2048
	})

	c.FlushDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "duration_seconds",
		Help:      "Time taken by a flush including retries",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
	})
}

func (c *Collector) initPositionMetrics() {
	f := promauto.With(c.registry)

	c.PositionOffset = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "offset_bytes",
		Help:      "Byte offset consumed from the access log",
	})

	c.PositionPersisted = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "persisted_offset_bytes",
		Help:      "Last byte offset written to the position store",
	})

	c.PositionSaveFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "position",
		Name:      "save_failures_total",
		Help:      "Number of failed writes to the position store",
	})
}

func (c *Collector) initSinkMetrics() {
	f := promauto.With(c.registry)

	c.SinkConnected = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "connected",
		Help:      "Whether the sink connection is established (1) or not (0)",
	})

	c.SinkConnectAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "connect_attempts_total",
		Help:      "Number of sink connection attempts by result",
	}, []string{"result"})
}

func (c *Collector) initSupervisorMetrics() {
	f := promauto.With(c.registry)

	c.SupervisorRestarts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Number of engine restarts after a crash",
	})

	c.SupervisorEngineCrashes = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "engine_crashes_total",
		Help:      "Number of engine runs that ended in an error",
	})

	c.SupervisorEngineUp = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "engine_up",
		Help:      "Whether an engine run is in progress (1) or not (0)",
	})
}

func (c *Collector) initSystemMetrics() {
	f := promauto.With(c.registry)

	c.SystemGoroutines = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "goroutines_total",
		Help:      "Current number of goroutines",
	})

	c.SystemMemAlloc = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_allocated_bytes",
		Help:      "Bytes of allocated heap objects",
	})

	c.SystemMemSys = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_system_bytes",
		Help:      "Total bytes of memory obtained from the OS",
	})
}

// Start begins collecting system metrics periodically
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.collectSystemMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the periodic system metrics collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// BoolGauge converts a flag to a gauge value
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
