package provider

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded is reserved; probes currently emit only healthy or unhealthy.
	StatusDegraded Status = "degraded"
)

type HealthStatus struct {
	Status             Status    `json:"status"`
	LastCheckedAt      time.Time `json:"lastCheckedAt"`
	LastResponseTimeMs int64     `json:"lastResponseTimeMs"`
	ErrorRate          float64   `json:"errorRate"`
	UptimeRatio        float64   `json:"uptimeRatio"`
	Diagnostic         string    `json:"diagnostic,omitempty"`
}

func (h HealthStatus) Healthy() bool {
	return h.Status == StatusHealthy
}

// DefaultProbeTimeout bounds a single health probe.
const DefaultProbeTimeout = 10 * time.Second

// ProbeRequest is the minimal generation used by health checks.
func ProbeRequest() *Request {
	return &Request{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 5,
	}
}

// Probe runs fn under timeout and turns the outcome into a HealthStatus.
func Probe(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) HealthStatus {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return Unhealthy(start, elapsed, err)
	}
	return HealthStatus{
		Status:             StatusHealthy,
		LastCheckedAt:      start,
		LastResponseTimeMs: elapsed,
		ErrorRate:          0,
		UptimeRatio:        1,
	}
}

// Unhealthy builds the status for a failed probe. The error class is kept in
// the diagnostic only.
func Unhealthy(at time.Time, elapsedMs int64, err error) HealthStatus {
	return HealthStatus{
		Status:             StatusUnhealthy,
		LastCheckedAt:      at,
		LastResponseTimeMs: elapsedMs,
		ErrorRate:          1,
		UptimeRatio:        0,
		Diagnostic:         fmt.Sprintf("%s: %v", Classify(err), err),
	}
}

// ProbeGenerate checks health with a real minimal generation through p.
func ProbeGenerate(ctx context.Context, p Provider, timeout time.Duration) HealthStatus {
	return Probe(ctx, timeout, func(ctx context.Context) error {
		resp, err := p.Generate(ctx, ProbeRequest())
		if err != nil {
			return err
		}
		if resp == nil {
			return fmt.Errorf("%s: empty probe response", p.Name())
		}
		return nil
	})
}
