package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/internal/provider"
)

type fakeProvider struct {
	name    string
	healthy atomic.Bool
	checks  atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Descriptor() provider.Descriptor {
	return provider.Descriptor{Name: f.name, Kind: provider.KindOllama}
}
func (f *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return nil, nil
}
func (f *fakeProvider) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	return nil, nil
}
func (f *fakeProvider) CheckHealth(ctx context.Context) provider.HealthStatus {
	f.checks.Add(1)
	if f.healthy.Load() {
		return provider.HealthStatus{Status: provider.StatusHealthy, LastCheckedAt: time.Now(), UptimeRatio: 1}
	}
	return provider.HealthStatus{Status: provider.StatusUnhealthy, LastCheckedAt: time.Now(), ErrorRate: 1, Diagnostic: "transport: connection refused"}
}
func (f *fakeProvider) EstimateCost(req *provider.Request) float64 { return 0 }
func (f *fakeProvider) ValidateConfig() error                     { return nil }

type staticList []provider.Provider

func (s staticList) List() []provider.Provider { return s }

func TestProbe_StoresResult(t *testing.T) {
	p := &fakeProvider{name: "ollama-primary"}
	p.healthy.Store(true)
	m := NewMonitor(staticList{p}, zap.NewNop())

	_, ok := m.Status(p.name)
	assert.False(t, ok)

	status := m.Probe(context.Background(), p)
	assert.True(t, status.Healthy())

	stored, ok := m.Status(p.name)
	require.True(t, ok)
	assert.Equal(t, provider.StatusHealthy, stored.Status)

	p.healthy.Store(false)
	m.Probe(context.Background(), p)
	stored, _ = m.Status(p.name)
	assert.Equal(t, provider.StatusUnhealthy, stored.Status)
	assert.Contains(t, stored.Diagnostic, "transport")
}

func TestProbe_AlwaysReachesBackend(t *testing.T) {
	p := &fakeProvider{name: "ollama-primary"}
	m := NewMonitor(staticList{p}, zap.NewNop(), WithInterval(time.Hour))

	for i := 0; i < 3; i++ {
		m.Probe(context.Background(), p)
	}
	p.healthy.Store(true)

	status := m.Probe(context.Background(), p)
	assert.Equal(t, provider.StatusHealthy, status.Status)
	assert.Equal(t, int32(4), p.checks.Load())

	stored, _ := m.Status(p.name)
	assert.True(t, stored.Healthy())
}

func TestScheduledProbe_BreakerSkipsWithoutStoring(t *testing.T) {
	p := &fakeProvider{name: "deepseek-fallback"}
	m := NewMonitor(staticList{p}, zap.NewNop(), WithInterval(time.Hour))

	for i := 0; i < 3; i++ {
		_, ran := m.scheduledProbe(context.Background(), p)
		require.True(t, ran)
	}

	_, ran := m.scheduledProbe(context.Background(), p)
	assert.False(t, ran)
	assert.Equal(t, int32(3), p.checks.Load())

	stored, _ := m.Status(p.name)
	assert.Equal(t, provider.StatusUnhealthy, stored.Status)
	assert.Contains(t, stored.Diagnostic, "transport")

	p.healthy.Store(true)
	assert.True(t, m.Probe(context.Background(), p).Healthy())

	_, ran = m.scheduledProbe(context.Background(), p)
	assert.False(t, ran)
	stored, _ = m.Status(p.name)
	assert.True(t, stored.Healthy(), "a skipped scheduled probe keeps the last real result")
}

func TestStartStop(t *testing.T) {
	a := &fakeProvider{name: "a"}
	a.healthy.Store(true)
	b := &fakeProvider{name: "b"}
	m := NewMonitor(staticList{a, b}, zap.NewNop(), WithInterval(5*time.Millisecond))

	m.Start(context.Background())
	assert.Eventually(t, func() bool {
		return a.checks.Load() >= 2 && b.checks.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	statuses := m.Statuses()
	assert.True(t, statuses["a"].Healthy())
	assert.False(t, statuses["b"].Healthy())

	after := a.checks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, a.checks.Load(), "no probes after Stop")
}
