package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazeapp/llm-router/internal/provider"
)

func setRequired(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/router")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
	assert.Equal(t, 60, cfg.ProviderRequestsPerMinute)
	assert.Equal(t, 100000, cfg.ProviderTokensPerMinute)
	assert.Equal(t, 120*time.Second, cfg.RouterCeilingTimeout)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 10*time.Second, cfg.HealthProbeTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.ProviderPriority)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PROVIDER_PRIORITY", "runpod, ollama-primary ,,openai")
	t.Setenv("ROUTER_CEILING_TIMEOUT", "45s")
	t.Setenv("PROVIDER_REQUESTS_PER_MINUTE", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"runpod", "ollama-primary", "openai"}, cfg.ProviderPriority)
	assert.Equal(t, 45*time.Second, cfg.RouterCeilingTimeout)
	assert.Equal(t, 10, cfg.ProviderRequestsPerMinute)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"DEFAULT_RATE_LIMIT_TPM":     "lots",
		"PROVIDER_TOKENS_PER_MINUTE": "1e9x",
		"HEALTH_CHECK_INTERVAL":      "every minute",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_RequiresStores(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	_, err := Load()
	assert.ErrorContains(t, err, "POSTGRES_DSN")
}

func TestEnvProviders(t *testing.T) {
	cfg := &Config{
		OllamaBaseURL:    "http://ollama:11434",
		OllamaModel:      "deepseek-r1:8b",
		DeepSeekAPIKey:   "ds-key",
		RunPodAPIKey:     "rp-key",
		RunPodEndpointID: "abc123",
	}

	descs := cfg.EnvProviders()
	require.Len(t, descs, 3)

	assert.Equal(t, "ollama-primary", descs[0].Name)
	assert.Equal(t, provider.KindOllama, descs[0].Kind)
	assert.Equal(t, "http://ollama:11434", descs[0].Config.Endpoint)

	assert.Equal(t, "deepseek-fallback", descs[1].Name)
	assert.True(t, descs[1].Capabilities.Has(provider.CapFunctionCalling))

	assert.Equal(t, "runpod", descs[2].Name)
	assert.Equal(t, "https://api.runpod.ai/v2/abc123", descs[2].Config.Endpoint)

	for _, d := range descs {
		assert.NoError(t, d.Validate(), d.Name)
	}
}

func TestEnvProviders_None(t *testing.T) {
	assert.Empty(t, (&Config{RunPodAPIKey: "only-key"}).EnvProviders())
}
