package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/forwarder"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker manages health checks for all components
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
}

// NewChecker creates a new health checker
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Check runs all health checks concurrently
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(components))
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := chk(checkCtx)
			result.LastChecked = time.Now()

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// OverallStatus returns the overall health status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return overall(c.Check(ctx))
}

// overall folds component results: any unhealthy wins, then degraded
func overall(results map[string]ComponentHealth) Status {
	status := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler returns an HTTP handler for health checks
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		status := overall(results)

		response := HealthResponse{
			Status:     status,
			Components: results,
			Timestamp:  time.Now(),
		}

		// Degraded still answers 200
		statusCode := http.StatusOK
		if status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.OverallStatus(r.Context())

		response := map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		}

		statusCode := http.StatusOK
		if status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(response)
	}
}

// StatusSource reports the status of the current forwarding engine and how
// often it has been restarted
type StatusSource interface {
	Status() (forwarder.Status, bool)
	Restarts() int
}

// EngineCheck reports the forwarding engine as unhealthy when it is not
// running or has lost the sink, and as degraded when maxBuffered or more
// events wait for delivery. maxBuffered <= 0 disables the degraded state.
func EngineCheck(source StatusSource, maxBuffered int) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		st, ok := source.Status()
		restarts := source.Restarts()
		if !ok {
			return ComponentHealth{
				Status:   StatusUnhealthy,
				Message:  "Engine not started",
				Metadata: map[string]interface{}{"restarts": restarts},
			}
		}

		metadata := map[string]interface{}{
			"node_id":        st.NodeID,
			"node_name":      st.NodeName,
			"running":        st.Running,
			"sink_connected": st.SinkConnected,
			"buffer_size":    st.BufferSize,
			"offset":         st.Offset,
			"restarts":       restarts,
		}

		switch {
		case !st.Running:
			return ComponentHealth{Status: StatusUnhealthy, Message: "Engine is not running", Metadata: metadata}
		case !st.SinkConnected:
			return ComponentHealth{Status: StatusUnhealthy, Message: "Sink is not connected", Metadata: metadata}
		case maxBuffered > 0 && st.BufferSize >= maxBuffered:
			return ComponentHealth{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("%d events waiting for delivery", st.BufferSize),
				Metadata: metadata,
			}
		}

		return ComponentHealth{Status: StatusHealthy, Message: "Forwarding", Metadata: metadata}
	}
}

// CheckFunc creates a health check from a simple boolean function
func CheckFunc(check func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: message,
		}
	}
}
