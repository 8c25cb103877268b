package health

import (
	"context"
	"sync"
	"time"
)

type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// HealthCheck is a named dependency probe.
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// Pinger is satisfied by the Redis client and the persistence gateway.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker runs registered checks concurrently, each bounded by timeout.
type HealthChecker struct {
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: timeout,
	}
}

func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check returns each check's error keyed by name. A nil entry means healthy.
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	checks := append([]HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(checks))
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			err := check.Check(cctx)
			mu.Lock()
			results[check.Name()] = err
			mu.Unlock()
		}(check)
	}
	wg.Wait()
	return results
}

// Report summarizes Check into an overall status and per-check messages.
func (hc *HealthChecker) Report(ctx context.Context) (Status, map[string]string) {
	status := StatusUp
	details := make(map[string]string)
	for name, err := range hc.Check(ctx) {
		if err != nil {
			status = StatusDown
			details[name] = err.Error()
			continue
		}
		details[name] = string(StatusUp)
	}
	return status, details
}

type pingCheck struct {
	name string
	p    Pinger
}

// NewPingCheck adapts any Pinger into a HealthCheck.
func NewPingCheck(name string, p Pinger) HealthCheck {
	return &pingCheck{name: name, p: p}
}

func (c *pingCheck) Check(ctx context.Context) error { return c.p.Ping(ctx) }

func (c *pingCheck) Name() string { return c.name }
