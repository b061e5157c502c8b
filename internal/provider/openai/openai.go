package openai

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

const (
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultDeepSeekURL = "https://api.deepseek.com/v1"
)

var pricing = map[provider.Kind]provider.Pricing{
	provider.KindOpenAI:   {Input: 0.00000015, Output: 0.00000060},
	provider.KindDeepSeek: {Input: 0.00000027, Output: 0.00000110},
}

// OpenAIProvider speaks the chat completions protocol shared by OpenAI and
// DeepSeek.
type OpenAIProvider struct {
	desc    provider.Descriptor
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role         string              `json:"role"`
	Content      string              `json:"content"`
	FunctionCall *openAIFunctionCall `json:"function_call,omitempty"`
	ToolCalls    []openAIToolCall    `json:"tool_calls,omitempty"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(desc provider.Descriptor) provider.Provider {
	baseURL := desc.Config.Endpoint
	if baseURL == "" {
		baseURL = defaultOpenAIURL
		if desc.Kind == provider.KindDeepSeek {
			baseURL = defaultDeepSeekURL
		}
	}
	return &OpenAIProvider{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(desc.Config.Timeout),
	}
}

func (p *OpenAIProvider) Name() string {
	return p.desc.Name
}

func (p *OpenAIProvider) Descriptor() provider.Descriptor {
	return p.desc
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpReq, err := p.newRequest(ctx, p.mapRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.WrapTransport(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	if len(openAIResp.Choices) == 0 {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: "no choices returned"}
	}

	choice := openAIResp.Choices[0]
	out := &provider.Response{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		Model:        openAIResp.Model,
		CreatedAt:    createdAt(openAIResp.Created),
		FunctionCall: functionCall(choice.Message),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Model == "" {
		out.Model = p.desc.Config.Model
	}
	if openAIResp.Usage != nil {
		out.Usage = provider.NewUsage(openAIResp.Usage.PromptTokens, openAIResp.Usage.CompletionTokens)
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request, stream bool) openAIRequest {
	r := p.desc.ApplyDefaults(req)
	messages := make([]openAIMessage, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = openAIMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	out := openAIRequest{
		Model:            p.desc.Config.Model,
		Messages:         messages,
		MaxTokens:        r.MaxTokens,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Stream:           stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body openAIRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.desc.Config.Credential))
	return httpReq, nil
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	httpReq, err := p.newRequest(ctx, p.mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}

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

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil, io.EOF
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
				return nil, &provider.ApplicationError{Provider: p.Name(), Message: fmt.Sprintf("malformed stream event: %v", err)}
			}

			chunk := &provider.StreamChunk{ID: openAIResp.ID, Model: openAIResp.Model}
			if len(openAIResp.Choices) > 0 {
				chunk.Delta = openAIResp.Choices[0].Delta.Content
				if fr := openAIResp.Choices[0].FinishReason; fr != "" {
					chunk.FinishReason = mapFinishReason(fr)
				}
			}
			if openAIResp.Usage != nil {
				usage := provider.NewUsage(openAIResp.Usage.PromptTokens, openAIResp.Usage.CompletionTokens)
				chunk.Usage = &usage
			}
			if chunk.Delta == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			return chunk, nil
		}
	}

	return provider.NewStream(next, reader.Close), nil
}

func (p *OpenAIProvider) CheckHealth(ctx context.Context) provider.HealthStatus {
	return provider.ProbeGenerate(ctx, p, provider.DefaultProbeTimeout)
}

func (p *OpenAIProvider) EstimateCost(req *provider.Request) float64 {
	return pricing[p.desc.Kind].EstimateCost(req)
}

func (p *OpenAIProvider) ValidateConfig() error {
	if p.desc.Kind != provider.KindOpenAI && p.desc.Kind != provider.KindDeepSeek {
		return fmt.Errorf("%w: %s: kind %s is not served by the openai adapter", provider.ErrConfigurationInvalid, p.desc.Name, p.desc.Kind)
	}
	return p.desc.Validate()
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "length":
		return provider.FinishLength
	case "function_call", "tool_calls":
		return provider.FinishFunctionCall
	case "content_filter":
		return provider.FinishContentFilter
	default:
		return provider.FinishStop
	}
}

func functionCall(m openAIMessage) *provider.FunctionCall {
	if m.FunctionCall != nil {
		return &provider.FunctionCall{Name: m.FunctionCall.Name, Arguments: m.FunctionCall.Arguments}
	}
	for _, tc := range m.ToolCalls {
		if tc.Type == "" || tc.Type == "function" {
			return &provider.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
	}
	return nil
}

func createdAt(unix int64) time.Time {
	if unix == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
