// Package health tracks the last known health of each provider. Statuses
// change only as the result of a probe.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/internal/provider"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultProbeTimeout = provider.DefaultProbeTimeout
)

var errUnhealthy = errors.New("probe reported unhealthy")

// Lister yields the providers to monitor.
type Lister interface {
	List() []provider.Provider
}

type Monitor struct {
	providers Lister
	logger    *zap.Logger
	interval  time.Duration
	timeout   time.Duration

	statuses *haxmap.Map[string, provider.HealthStatus]
	breakers *haxmap.Map[string, *gobreaker.CircuitBreaker]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

func NewMonitor(providers Lister, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		providers: providers,
		logger:    logger,
		interval:  DefaultInterval,
		timeout:   DefaultProbeTimeout,
		statuses:  haxmap.New[string, provider.HealthStatus](),
		breakers:  haxmap.New[string, *gobreaker.CircuitBreaker](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) breaker(name string) *gobreaker.CircuitBreaker {
	cb, _ := m.breakers.GetOrCompute(name, func() *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     2 * m.interval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn("health breaker state changed",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	})
	return cb
}

// Probe checks p now against the backend and stores the result.
func (m *Monitor) Probe(ctx context.Context, p provider.Provider) provider.HealthStatus {
	status := m.check(ctx, p)
	m.store(p.Name(), status)
	return status
}

func (m *Monitor) check(ctx context.Context, p provider.Provider) provider.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return p.CheckHealth(ctx)
}

// scheduledProbe is the background variant of Probe. After repeated failures
// the breaker opens and scheduled probes are skipped until it half-opens; a
// skipped probe stores nothing, so the last real result stands.
func (m *Monitor) scheduledProbe(ctx context.Context, p provider.Provider) (provider.HealthStatus, bool) {
	result, err := m.breaker(p.Name()).Execute(func() (interface{}, error) {
		status := m.check(ctx, p)
		if !status.Healthy() {
			return status, errUnhealthy
		}
		return status, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Debug("scheduled probe skipped", zap.String("provider", p.Name()), zap.Error(err))
		return provider.HealthStatus{}, false
	}

	status := result.(provider.HealthStatus)
	m.store(p.Name(), status)
	return status, true
}

func (m *Monitor) store(name string, status provider.HealthStatus) {
	prev, seen := m.statuses.Get(name)
	m.statuses.Set(name, status)
	if !seen || prev.Status != status.Status {
		m.logger.Info("provider health changed",
			zap.String("provider", name),
			zap.String("status", string(status.Status)),
			zap.Int64("response_time_ms", status.LastResponseTimeMs),
			zap.String("diagnostic", status.Diagnostic),
		)
	}
}

// Status returns the last stored status for name.
func (m *Monitor) Status(name string) (provider.HealthStatus, bool) {
	return m.statuses.Get(name)
}

// Statuses returns a copy of every stored status keyed by provider name.
func (m *Monitor) Statuses() map[string]provider.HealthStatus {
	out := make(map[string]provider.HealthStatus, m.statuses.Len())
	m.statuses.ForEach(func(name string, status provider.HealthStatus) bool {
		out[name] = status
		return true
	})
	return out
}

// Start probes every provider once and then on each interval tick, one
// goroutine per provider, until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	for _, p := range m.providers.List() {
		m.wg.Add(1)
		go m.run(ctx, p)
	}
}

func (m *Monitor) run(ctx context.Context, p provider.Provider) {
	defer m.wg.Done()

	m.scheduledProbe(ctx, p)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scheduledProbe(ctx, p)
		}
	}
}

// Stop cancels the probe loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
