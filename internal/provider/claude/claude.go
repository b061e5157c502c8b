package claude

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wazeapp/llm-router/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

var pricing = provider.Pricing{Input: 0.0000008, Output: 0.000004}

type ClaudeProvider struct {
	desc    provider.Descriptor
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Message *claudeResponse `json:"message,omitempty"`
	Delta   claudeDelta     `json:"delta,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(desc provider.Descriptor) provider.Provider {
	baseURL := desc.Config.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ClaudeProvider{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(desc.Config.Timeout),
	}
}

func (p *ClaudeProvider) Name() string {
	return p.desc.Name
}

func (p *ClaudeProvider) Descriptor() provider.Descriptor {
	return p.desc
}

func (p *ClaudeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpReq, err := p.newRequest(ctx, p.mapRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.WrapTransport(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	if len(claudeResp.Content) == 0 {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: "no content returned"}
	}

	out := &provider.Response{
		ID:           claudeResp.ID,
		FinishReason: mapStopReason(claudeResp.StopReason),
		Usage:        provider.NewUsage(claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens),
		Model:        claudeResp.Model,
		CreatedAt:    time.Now().UTC(),
	}
	var text strings.Builder
	for _, block := range claudeResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if out.FunctionCall == nil {
				out.FunctionCall = &provider.FunctionCall{Name: block.Name, Arguments: string(block.Input)}
			}
		}
	}
	out.Content = text.String()
	return out, nil
}

// mapRequest lifts system messages into the top-level system field; the
// Messages API only accepts user and assistant turns.
func (p *ClaudeProvider) mapRequest(req *provider.Request, stream bool) claudeRequest {
	r := p.desc.ApplyDefaults(req)

	var system []string
	var messages []claudeMessage
	for _, m := range r.Messages {
		if m.Role == provider.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       p.desc.Config.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      stream,
	}
}

func (p *ClaudeProvider) newRequest(ctx context.Context, body claudeRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.desc.Config.Credential)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (p *ClaudeProvider) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	httpReq, err := p.newRequest(ctx, p.mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}

	reader := provider.NewLineReader(resp.Body)
	var (
		currentEvent string
		messageID    string
		model        string
		inputTokens  int
	)
	next := func() (*provider.StreamChunk, error) {
		for {
			line, err := reader.ReadLine()
			if err == io.EOF {
				return nil, io.EOF
			}
			if err != nil {
				return nil, &provider.TransportError{Provider: p.Name(), Err: err}
			}

			if strings.HasPrefix(line, "event:") {
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				continue
			}

			switch currentEvent {
			case "message_start":
				if event.Message != nil {
					messageID = event.Message.ID
					model = event.Message.Model
					inputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					return &provider.StreamChunk{ID: messageID, Model: model, Delta: event.Delta.Text}, nil
				}
			case "message_delta":
				chunk := &provider.StreamChunk{ID: messageID, Model: model, FinishReason: mapStopReason(event.Delta.StopReason)}
				if event.Usage != nil {
					usage := provider.NewUsage(inputTokens, event.Usage.OutputTokens)
					chunk.Usage = &usage
				}
				return chunk, nil
			case "message_stop":
				return nil, io.EOF
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				return nil, &provider.ApplicationError{Provider: p.Name(), Message: msg}
			}
		}
	}

	return provider.NewStream(next, reader.Close), nil
}

func (p *ClaudeProvider) CheckHealth(ctx context.Context) provider.HealthStatus {
	return provider.ProbeGenerate(ctx, p, provider.DefaultProbeTimeout)
}

func (p *ClaudeProvider) EstimateCost(req *provider.Request) float64 {
	return pricing.EstimateCost(req)
}

func (p *ClaudeProvider) ValidateConfig() error {
	if p.desc.Kind != provider.KindAnthropic {
		return fmt.Errorf("%w: %s: kind %s is not served by the claude adapter", provider.ErrConfigurationInvalid, p.desc.Name, p.desc.Kind)
	}
	return p.desc.Validate()
}

func mapStopReason(reason string) provider.FinishReason {
	switch reason {
	case "max_tokens":
		return provider.FinishLength
	case "tool_use":
		return provider.FinishFunctionCall
	case "refusal":
		return provider.FinishContentFilter
	default:
		return provider.FinishStop
	}
}
