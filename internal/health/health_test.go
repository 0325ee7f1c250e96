package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	if got := c.OverallStatus(); got != StatusHealthy {
		t.Errorf("empty checker: expected healthy, got %s", got)
	}

	connected := true
	c.RegisterFunc("bus", true, ConditionCheck(func() bool { return connected }, "not connected"))
	c.RegisterFunc("journal", false, PingCheck(func(context.Context) error { return errors.New("locked") }))
	if got := c.OverallStatus(); got != StatusUnknown {
		t.Errorf("before first check: expected unknown, got %s", got)
	}

	results := c.Check(context.Background())
	if results["bus"].Status != StatusHealthy {
		t.Errorf("bus: expected healthy, got %s", results["bus"].Status)
	}
	if results["journal"].Status != StatusUnhealthy || results["journal"].Error != "locked" {
		t.Errorf("journal: unexpected result %+v", results["journal"])
	}
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("non-critical failure: expected degraded, got %s", got)
	}

	connected = false
	c.Check(context.Background())
	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("critical failure: expected unhealthy, got %s", got)
	}
	if got := c.Components(); !reflect.DeepEqual(got, []string{"bus", "journal"}) {
		t.Errorf("unexpected components %v", got)
	}
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	if r := results["slow"]; r.Status != StatusUnhealthy || r.Message != "check timed out" {
		t.Errorf("slow: unexpected result %+v", r)
	}
	if r := results["broken"]; r.Status != StatusUnhealthy || r.Error != "boom" {
		t.Errorf("broken: unexpected result %+v", r)
	}
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bridge", true, ConditionCheck(func() bool { return true }, ""))
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: expected 503, got %d", rec.Code)
	}

	c.SetReady(true)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != StatusHealthy || !resp.Ready {
		t.Errorf("unexpected response %+v", resp)
	}
	if _, ok := resp.Components["bridge"]; !ok {
		t.Errorf("response missing bridge component: %+v", resp.Components)
	}
}
