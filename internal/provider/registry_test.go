package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	desc Descriptor
}

func (s *stubProvider) Name() string           { return s.desc.Name }
func (s *stubProvider) Descriptor() Descriptor { return s.desc }
func (s *stubProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Content: "ok"}, nil
}
func (s *stubProvider) GenerateStream(ctx context.Context, req *Request) (Stream, error) {
	return NewChunkedStream(&Response{Content: "ok"}, 1), nil
}
func (s *stubProvider) CheckHealth(ctx context.Context) HealthStatus {
	return ProbeGenerate(ctx, s, time.Second)
}
func (s *stubProvider) EstimateCost(req *Request) float64 { return 0 }
func (s *stubProvider) ValidateConfig() error             { return s.desc.Validate() }

func stub(name string, kind Kind) *stubProvider {
	return &stubProvider{desc: Descriptor{
		Name:   name,
		Kind:   kind,
		Config: Config{Credential: "k", Model: "m", Timeout: time.Second},
	}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("ollama-primary", KindOllama)))
	require.NoError(t, reg.Register(stub("deepseek-fallback", KindDeepSeek)))

	p, err := reg.Get("deepseek-fallback")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-fallback", p.Name())

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	names := []string{}
	for _, p := range reg.List() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"ollama-primary", "deepseek-fallback"}, names)
}

func TestRegistry_RejectsInvalidAndDuplicates(t *testing.T) {
	reg := NewRegistry()

	bad := stub("openai", KindOpenAI)
	bad.desc.Config.Credential = ""
	assert.ErrorIs(t, reg.Register(bad), ErrConfigurationInvalid)
	assert.Equal(t, 0, reg.Len())

	require.NoError(t, reg.Register(stub("a", KindOllama)))
	assert.ErrorIs(t, reg.Register(stub("a", KindOllama)), ErrProviderExists)
}

func TestRegistry_ReplaceIsAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("a", KindOllama)))

	bad := stub("c", KindGemini)
	bad.desc.Config.Model = ""
	err := reg.Replace([]Provider{stub("b", KindOllama), bad})
	assert.ErrorIs(t, err, ErrConfigurationInvalid)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Replace([]Provider{stub("b", KindOllama)}))
	_, err = reg.Get("a")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestProbeGenerate(t *testing.T) {
	status := stub("a", KindOllama).CheckHealth(context.Background())
	assert.True(t, status.Healthy())
	assert.Equal(t, 1.0, status.UptimeRatio)
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]string{"streaming", "functionCalling"})
	require.NoError(t, err)
	assert.True(t, caps.Has(CapStreaming))
	assert.True(t, caps.Satisfies(Requirements{FunctionCalling: true}))
	assert.False(t, caps.Satisfies(Requirements{ImageAnalysis: true}))
	assert.Equal(t, []string{"streaming", "functionCalling"}, caps.Names())

	_, err = ParseCapabilities([]string{"telepathy"})
	assert.Error(t, err)
}
