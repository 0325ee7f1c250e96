// Package health provides health checks for the keyboard monitor daemon.
//
// Features:
//   - Liveness check (is the process running)
//   - Readiness check (bus name owned, bridge accepting events)
//   - Component checks for the bus connection, journal and bridge
//   - HTTP endpoints served next to the metrics endpoint
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked.
	StatusUnknown Status = "unknown"
)

// CheckResult is the result of one health check.
type CheckResult struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// Check performs a health check.
type Check func(ctx context.Context) CheckResult

// Component is a health-checkable part of the daemon.
type Component struct {
	Name string
	// Critical components make the overall status unhealthy when they fail;
	// others only degrade it.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a Checker that is not yet ready.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a component. A zero timeout defaults to two seconds.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 2 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered check concurrently and returns the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := runCheck(ctx, comp)

			resMu.Lock()
			results[comp.Name] = result
			resMu.Unlock()

			c.mu.Lock()
			c.results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return results
}

func runCheck(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Components returns the registered component names, sorted.
func (c *Checker) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Response is the body of the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Handler serves /healthz: it runs every check and reports 503 when a
// critical component is unhealthy.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		components := c.Check(r.Context())

		c.mu.RLock()
		ready := c.ready
		uptime := time.Since(c.startTime).Truncate(time.Second)
		c.mu.RUnlock()

		resp := Response{
			Status:     c.OverallStatus(),
			Ready:      ready,
			Uptime:     uptime.String(),
			Components: components,
			Timestamp:  time.Now(),
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// ReadinessHandler serves /readyz.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !c.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not ready"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	})
}

// RegisterRoutes mounts the health endpoints on mux.
func (c *Checker) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/healthz", c.Handler())
	mux.Handle("/readyz", c.ReadinessHandler())
}

// PingCheck reports unhealthy when ping fails. Used for the journal
// database.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// ConditionCheck reports healthy while ok returns true.
func ConditionCheck(ok func() bool, failure string) Check {
	return func(ctx context.Context) CheckResult {
		if !ok() {
			return CheckResult{Status: StatusUnhealthy, Message: failure}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
