package ollama

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
	"github.com/tidwall/gjson"

	"github.com/wazeapp/llm-router/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

// OllamaProvider talks to a self-hosted Ollama server through /api/generate.
// The conversation is flattened into a single prompt.
type OllamaProvider struct {
	desc    provider.Descriptor
	baseURL string
	client  *http.Client
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

type options struct {
	NumPredict       int      `json:"num_predict,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

func New(desc provider.Descriptor) provider.Provider {
	baseURL := desc.Config.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OllamaProvider{
		desc:    desc,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(desc.Config.Timeout),
	}
}

func (p *OllamaProvider) Name() string {
	return p.desc.Name
}

func (p *OllamaProvider) Descriptor() provider.Descriptor {
	return p.desc
}

func (p *OllamaProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpReq, err := p.newRequest(ctx, p.mapRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.TransportError{Provider: p.Name(), Err: err}
	}
	if !gjson.ValidBytes(body) {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: "malformed response body"}
	}

	result := gjson.ParseBytes(body)
	if msg := result.Get("error").String(); msg != "" {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: msg}
	}

	return &provider.Response{
		ID:           uuid.NewString(),
		Content:      provider.CleanReasoning(result.Get("response").String()),
		FinishReason: mapDoneReason(result.Get("done_reason").String()),
		Usage:        provider.NewUsage(int(result.Get("prompt_eval_count").Int()), int(result.Get("eval_count").Int())),
		Model:        p.model(result.Get("model").String()),
		CreatedAt:    createdAt(result.Get("created_at").String()),
	}, nil
}

func (p *OllamaProvider) mapRequest(req *provider.Request, stream bool) generateRequest {
	r := p.desc.ApplyDefaults(req)
	system, prompt := flatten(r.Messages)
	return generateRequest{
		Model:  p.desc.Config.Model,
		Prompt: prompt,
		System: system,
		Stream: stream,
		Options: &options{
			NumPredict:       r.MaxTokens,
			Temperature:      r.Temperature,
			TopP:             r.TopP,
			FrequencyPenalty: r.FrequencyPenalty,
			PresencePenalty:  r.PresencePenalty,
		},
	}
}

// flatten joins system messages into the system field and renders the
// remaining turns as a transcript ending in an open assistant turn.
func flatten(messages []provider.Message) (string, string) {
	var system []string
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, m.Content)
		case provider.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n\n", m.Content)
		default:
			fmt.Fprintf(&b, "User: %s\n\n", m.Content)
		}
	}
	b.WriteString("Assistant:")
	return strings.Join(system, "\n\n"), b.String()
}

func (p *OllamaProvider) newRequest(ctx context.Context, body generateRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/generate", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.desc.Config.Credential != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.desc.Config.Credential))
	}
	return httpReq, nil
}

func (p *OllamaProvider) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	httpReq, err := p.newRequest(ctx, p.mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	reader := provider.NewLineReader(resp.Body)
	filter := &provider.ThinkFilter{}
	done := false
	next := func() (*provider.StreamChunk, error) {
		for {
			if done {
				return nil, io.EOF
			}
			line, err := reader.ReadLine()
			if err == io.EOF {
				// Server closed without a done frame; emit whatever the filter held back.
				done = true
				if rest := filter.Flush(); rest != "" {
					return &provider.StreamChunk{ID: id, Model: p.desc.Config.Model, Delta: rest}, nil
				}
				return nil, io.EOF
			}
			if err != nil {
				return nil, &provider.TransportError{Provider: p.Name(), Err: err}
			}
			if !gjson.Valid(line) {
				return nil, &provider.ApplicationError{Provider: p.Name(), Message: "malformed stream frame"}
			}

			frame := gjson.Parse(line)
			if msg := frame.Get("error").String(); msg != "" {
				return nil, &provider.ApplicationError{Provider: p.Name(), Message: msg}
			}

			chunk := &provider.StreamChunk{
				ID:    id,
				Model: p.model(frame.Get("model").String()),
				Delta: filter.Push(frame.Get("response").String()),
			}
			if frame.Get("done").Bool() {
				done = true
				chunk.Delta += filter.Flush()
				chunk.FinishReason = mapDoneReason(frame.Get("done_reason").String())
				usage := provider.NewUsage(int(frame.Get("prompt_eval_count").Int()), int(frame.Get("eval_count").Int()))
				chunk.Usage = &usage
				return chunk, nil
			}
			if chunk.Delta == "" {
				continue
			}
			return chunk, nil
		}
	}

	return provider.NewStream(next, reader.Close), nil
}

func (p *OllamaProvider) CheckHealth(ctx context.Context) provider.HealthStatus {
	return provider.ProbeGenerate(ctx, p, provider.DefaultProbeTimeout)
}

// EstimateCost is zero; the model runs on our own hardware.
func (p *OllamaProvider) EstimateCost(req *provider.Request) float64 {
	return 0
}

func (p *OllamaProvider) ValidateConfig() error {
	if p.desc.Kind != provider.KindOllama {
		return fmt.Errorf("%w: %s: kind %s is not served by the ollama adapter", provider.ErrConfigurationInvalid, p.desc.Name, p.desc.Kind)
	}
	return p.desc.Validate()
}

func (p *OllamaProvider) model(reported string) string {
	if reported != "" {
		return reported
	}
	return p.desc.Config.Model
}

func mapDoneReason(reason string) provider.FinishReason {
	if reason == "length" {
		return provider.FinishLength
	}
	return provider.FinishStop
}

func createdAt(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
