package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wazeapp/llm-router/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var pricing = provider.Pricing{Input: 0.000000075, Output: 0.0000003}

type GeminiProvider struct {
	desc    provider.Descriptor
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(desc provider.Descriptor) provider.Provider {
	baseURL := desc.Config.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &GeminiProvider{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(desc.Config.Timeout),
	}
}

func (p *GeminiProvider) Name() string {
	return p.desc.Name
}

func (p *GeminiProvider) Descriptor() provider.Descriptor {
	return p.desc
}

func (p *GeminiProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.desc.Config.Model)
	httpReq, err := p.newRequest(ctx, url, p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.WrapTransport(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: "no candidates returned"}
	}

	candidate := geminiResp.Candidates[0]
	out := &provider.Response{
		ID:           geminiResp.ResponseID,
		Content:      joinText(candidate.Content.Parts),
		FinishReason: mapFinishReason(candidate.FinishReason),
		Model:        p.model(geminiResp.ModelVersion),
		CreatedAt:    time.Now().UTC(),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	for _, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			out.FunctionCall = &provider.FunctionCall{Name: part.FunctionCall.Name, Arguments: string(part.FunctionCall.Args)}
			out.FinishReason = provider.FinishFunctionCall
			break
		}
	}
	if geminiResp.UsageMetadata != nil {
		out.Usage = provider.NewUsage(geminiResp.UsageMetadata.PromptTokenCount, geminiResp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	r := p.desc.ApplyDefaults(req)

	var system []geminiPart
	contents := make([]geminiContent, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == provider.RoleSystem {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: &generationConfig{
			MaxOutputTokens:  r.MaxTokens,
			Temperature:      r.Temperature,
			TopP:             r.TopP,
			FrequencyPenalty: r.FrequencyPenalty,
			PresencePenalty:  r.PresencePenalty,
		},
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out
}

func (p *GeminiProvider) newRequest(ctx context.Context, url string, body geminiRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.desc.Config.Credential)
	return httpReq, nil
}

func (p *GeminiProvider) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, p.desc.Config.Model)
	httpReq, err := p.newRequest(ctx, url, p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	reader := provider.NewLineReader(resp.Body)
	next := func() (*provider.StreamChunk, error) {
		for {
			line, err := reader.ReadLine()
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				return nil, &provider.TransportError{Provider: p.Name(), Err: err}
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &geminiResp); err != nil {
				return nil, &provider.ApplicationError{Provider: p.Name(), Message: fmt.Sprintf("malformed stream event: %v", err)}
			}

			chunk := &provider.StreamChunk{ID: id, Model: p.model(geminiResp.ModelVersion)}
			if len(geminiResp.Candidates) > 0 {
				candidate := geminiResp.Candidates[0]
				chunk.Delta = joinText(candidate.Content.Parts)
				if candidate.FinishReason != "" {
					chunk.FinishReason = mapFinishReason(candidate.FinishReason)
				}
			}
			// Usage metadata repeats on every event; only the terminal one is final.
			if geminiResp.UsageMetadata != nil && chunk.FinishReason != "" {
				usage := provider.NewUsage(geminiResp.UsageMetadata.PromptTokenCount, geminiResp.UsageMetadata.CandidatesTokenCount)
				chunk.Usage = &usage
			}
			if chunk.Delta == "" && chunk.FinishReason == "" {
				continue
			}
			return chunk, nil
		}
	}

	return provider.NewStream(next, reader.Close), nil
}

func (p *GeminiProvider) CheckHealth(ctx context.Context) provider.HealthStatus {
	return provider.ProbeGenerate(ctx, p, provider.DefaultProbeTimeout)
}

func (p *GeminiProvider) EstimateCost(req *provider.Request) float64 {
	return pricing.EstimateCost(req)
}

func (p *GeminiProvider) ValidateConfig() error {
	if p.desc.Kind != provider.KindGemini {
		return fmt.Errorf("%w: %s: kind %s is not served by the gemini adapter", provider.ErrConfigurationInvalid, p.desc.Name, p.desc.Kind)
	}
	return p.desc.Validate()
}

func (p *GeminiProvider) model(version string) string {
	if version != "" {
		return version
	}
	return p.desc.Config.Model
}

func joinText(parts []geminiPart) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return provider.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return provider.FinishContentFilter
	default:
		return provider.FinishStop
	}
}
