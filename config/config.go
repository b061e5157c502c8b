package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wazeapp/llm-router/internal/provider"
)

type Config struct {
	// Server
	Port               string   // default: 8080
	CORSAllowedOrigins []string // default: *

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Logging
	LogLevel  string // default: info
	LogFormat string // "json" or "console"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Organization admission, tokens per minute
	DefaultRateLimitTPM int64 // default: 100000

	// Per-provider windows
	ProviderRequestsPerMinute int // default: 60
	ProviderTokensPerMinute   int // default: 100000

	// Routing
	RouterCeilingTimeout time.Duration // default: 120s
	ProviderPriority     []string      // empty keeps the built-in order
	HealthCheckInterval  time.Duration // default: 60s
	HealthProbeTimeout   time.Duration // default: 10s

	// Providers
	OpenAIAPIKey     string
	DeepSeekAPIKey   string
	AnthropicAPIKey  string
	GeminiAPIKey     string
	OllamaBaseURL    string
	OllamaModel      string // default: deepseek-r1:8b
	RunPodAPIKey     string
	RunPodEndpointID string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		CORSAllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		ProviderPriority:     splitList(os.Getenv("PROVIDER_PRIORITY")),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		DeepSeekAPIKey:       os.Getenv("DEEPSEEK_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		OllamaBaseURL:        os.Getenv("OLLAMA_BASE_URL"),
		OllamaModel:          getEnv("OLLAMA_MODEL", "deepseek-r1:8b"),
		RunPodAPIKey:         os.Getenv("RUNPOD_API_KEY"),
		RunPodEndpointID:     os.Getenv("RUNPOD_ENDPOINT_ID"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	if cfg.ProviderRequestsPerMinute, err = getInt("PROVIDER_REQUESTS_PER_MINUTE", 60); err != nil {
		return nil, err
	}
	if cfg.ProviderTokensPerMinute, err = getInt("PROVIDER_TOKENS_PER_MINUTE", 100000); err != nil {
		return nil, err
	}
	if cfg.RouterCeilingTimeout, err = getDuration("ROUTER_CEILING_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthCheckInterval, err = getDuration("HEALTH_CHECK_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthProbeTimeout, err = getDuration("HEALTH_PROBE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

// EnvProviders builds descriptors for every backend whose key or URL is set.
// It is used when the provider table is empty.
func (c *Config) EnvProviders() []provider.Descriptor {
	hosted := provider.NewCapabilities(
		provider.CapStreaming,
		provider.CapFunctionCalling,
		provider.CapImageAnalysis,
		provider.CapCodeGeneration,
	)

	var descs []provider.Descriptor
	if c.OllamaBaseURL != "" {
		descs = append(descs, provider.Descriptor{
			Name:         "ollama-primary",
			Kind:         provider.KindOllama,
			Capabilities: provider.NewCapabilities(provider.CapStreaming),
			Config: provider.Config{
				Endpoint: c.OllamaBaseURL,
				Model:    c.OllamaModel,
				Timeout:  provider.DefaultTimeout,
			},
		})
	}
	if c.DeepSeekAPIKey != "" {
		descs = append(descs, provider.Descriptor{
			Name:         "deepseek-fallback",
			Kind:         provider.KindDeepSeek,
			Capabilities: provider.NewCapabilities(provider.CapStreaming, provider.CapFunctionCalling, provider.CapCodeGeneration),
			Config: provider.Config{
				Credential: c.DeepSeekAPIKey,
				Model:      "deepseek-chat",
				Timeout:    provider.DefaultTimeout,
			},
		})
	}
	if c.OpenAIAPIKey != "" {
		descs = append(descs, provider.Descriptor{
			Name:         "openai",
			Kind:         provider.KindOpenAI,
			Capabilities: hosted,
			Config: provider.Config{
				Credential: c.OpenAIAPIKey,
				Model:      "gpt-4o-mini",
				Timeout:    provider.DefaultTimeout,
			},
		})
	}
	if c.AnthropicAPIKey != "" {
		descs = append(descs, provider.Descriptor{
			Name:         "anthropic",
			Kind:         provider.KindAnthropic,
			Capabilities: hosted,
			Config: provider.Config{
				Credential: c.AnthropicAPIKey,
				Model:      "claude-3-5-haiku-latest",
				Timeout:    provider.DefaultTimeout,
			},
		})
	}
	if c.GeminiAPIKey != "" {
		descs = append(descs, provider.Descriptor{
			Name:         "gemini",
			Kind:         provider.KindGemini,
			Capabilities: hosted,
			Config: provider.Config{
				Credential: c.GeminiAPIKey,
				Model:      "gemini-1.5-flash",
				Timeout:    provider.DefaultTimeout,
			},
		})
	}
	if c.RunPodAPIKey != "" && c.RunPodEndpointID != "" {
		descs = append(descs, provider.Descriptor{
			Name: "runpod",
			Kind: provider.KindRunPod,
			Config: provider.Config{
				Endpoint:   fmt.Sprintf("https://api.runpod.ai/v2/%s", c.RunPodEndpointID),
				Credential: c.RunPodAPIKey,
				Model:      "deepseek-r1-distill-llama-8b",
				Timeout:    provider.DefaultTimeout,
			},
		})
	}
	return descs
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
