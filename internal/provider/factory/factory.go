// Package factory builds provider adapters from descriptors.
package factory

import (
	"fmt"

	"github.com/wazeapp/llm-router/internal/provider"
	"github.com/wazeapp/llm-router/internal/provider/claude"
	"github.com/wazeapp/llm-router/internal/provider/gemini"
	"github.com/wazeapp/llm-router/internal/provider/ollama"
	"github.com/wazeapp/llm-router/internal/provider/openai"
	"github.com/wazeapp/llm-router/internal/provider/runpod"
)

// New returns the adapter for desc.Kind after validating its configuration.
func New(desc provider.Descriptor) (provider.Provider, error) {
	var p provider.Provider
	switch desc.Kind {
	case provider.KindOpenAI, provider.KindDeepSeek:
		p = openai.New(desc)
	case provider.KindAnthropic:
		p = claude.New(desc)
	case provider.KindGemini:
		p = gemini.New(desc)
	case provider.KindOllama:
		p = ollama.New(desc)
	case provider.KindRunPod:
		p = runpod.New(desc)
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", provider.ErrConfigurationInvalid, desc.Name, desc.Kind)
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildRegistry constructs and registers every descriptor. The first invalid
// descriptor aborts the build.
func BuildRegistry(descs []provider.Descriptor) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, d := range descs {
		p, err := New(d)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
