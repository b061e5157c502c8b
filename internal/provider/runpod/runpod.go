package runpod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/wazeapp/llm-router/internal/provider"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 30

	// wordsPerChunk sizes the synthesized stream deltas.
	wordsPerChunk = 3
)

// Job states reported by the serverless API.
const (
	statusInQueue    = "IN_QUEUE"
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
	statusFailed     = "FAILED"
	statusCancelled  = "CANCELLED"
	statusTimedOut   = "TIMED_OUT"
)

var errJobPending = errors.New("job still running")

// RunPodProvider submits generation jobs to a serverless endpoint and polls
// for their result. It has no native streaming.
type RunPodProvider struct {
	desc         provider.Descriptor
	endpoint     string
	client       *http.Client
	pollInterval time.Duration
	maxPolls     uint
}

type Option func(*RunPodProvider)

// WithPolling overrides the status poll interval and attempt budget.
func WithPolling(interval time.Duration, maxPolls uint) Option {
	return func(p *RunPodProvider) {
		p.pollInterval = interval
		p.maxPolls = maxPolls
	}
}

type jobRequest struct {
	Input jobInput `json:"input"`
}

type jobInput struct {
	Messages    []jobMessage `json:"messages"`
	Prompt      string       `json:"prompt"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
}

type jobMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func New(desc provider.Descriptor, opts ...Option) provider.Provider {
	p := &RunPodProvider{
		desc:         desc,
		endpoint:     strings.TrimRight(desc.Config.Endpoint, "/"),
		client:       provider.NewHTTPClient(desc.Config.Timeout),
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RunPodProvider) Name() string {
	return p.desc.Name
}

func (p *RunPodProvider) Descriptor() provider.Descriptor {
	return p.desc
}

func (p *RunPodProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	r := p.desc.ApplyDefaults(req)

	job, err := p.submit(ctx, &r)
	if err != nil {
		return nil, err
	}

	var result gjson.Result
	switch job.Get("status").String() {
	case statusCompleted:
		result = job
	default:
		result, err = p.await(ctx, job.Get("id").String())
		if err != nil {
			return nil, err
		}
	}

	return p.parseOutput(&r, job.Get("id").String(), result.Get("output"))
}

func (p *RunPodProvider) submit(ctx context.Context, req *provider.Request) (gjson.Result, error) {
	messages := make([]jobMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = jobMessage{Role: string(m.Role), Content: m.Content}
	}
	payload, err := json.Marshal(jobRequest{Input: jobInput{
		Messages:    messages,
		Prompt:      FormatPrompt(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}})
	if err != nil {
		return gjson.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/run", bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	job, err := p.call(httpReq)
	if err != nil {
		return gjson.Result{}, err
	}
	if job.Get("id").String() == "" {
		return gjson.Result{}, &provider.ApplicationError{Provider: p.Name(), Message: "job submission returned no id"}
	}
	return job, nil
}

// await polls the job status at a constant interval until it reaches a
// terminal state or the poll budget runs out.
func (p *RunPodProvider) await(ctx context.Context, jobID string) (gjson.Result, error) {
	url := fmt.Sprintf("%s/status/%s", p.endpoint, jobID)

	poll := func() (gjson.Result, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return gjson.Result{}, backoff.Permanent(err)
		}
		status, err := p.call(httpReq)
		if err != nil {
			var appErr *provider.ApplicationError
			if errors.As(err, &appErr) {
				return gjson.Result{}, backoff.Permanent(err)
			}
			return gjson.Result{}, err
		}

		switch s := status.Get("status").String(); s {
		case statusCompleted:
			return status, nil
		case statusFailed, statusCancelled, statusTimedOut:
			msg := status.Get("error").String()
			if msg == "" {
				msg = "job " + strings.ToLower(s)
			}
			return gjson.Result{}, backoff.Permanent(&provider.ApplicationError{Provider: p.Name(), Message: msg})
		case statusInQueue, statusInProgress, "":
			return gjson.Result{}, errJobPending
		default:
			return gjson.Result{}, backoff.Permanent(&provider.ApplicationError{Provider: p.Name(), Message: "unknown job status " + s})
		}
	}

	result, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.pollInterval)),
		backoff.WithMaxTries(p.maxPolls),
	)
	if errors.Is(err, errJobPending) {
		return gjson.Result{}, &provider.TransportError{
			Provider: p.Name(),
			Err:      fmt.Errorf("%w: job %s not finished after %d polls", provider.ErrRequestTimeout, jobID, p.maxPolls),
		}
	}
	if err != nil {
		return gjson.Result{}, provider.WrapTransport(p.Name(), err)
	}
	return result, nil
}

func (p *RunPodProvider) call(httpReq *http.Request) (gjson.Result, error) {
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.desc.Config.Credential))

	resp, err := provider.Do(p.client, p.Name(), httpReq)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, &provider.TransportError{Provider: p.Name(), Err: err}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &provider.ApplicationError{Provider: p.Name(), Message: "malformed response body"}
	}
	return gjson.ParseBytes(body), nil
}

// parseOutput reads a handler output that is either the result object itself
// or a list whose first element is.
func (p *RunPodProvider) parseOutput(req *provider.Request, jobID string, output gjson.Result) (*provider.Response, error) {
	if output.IsArray() {
		output = output.Get("0")
	}
	if !output.Exists() {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: "job completed without output"}
	}
	if msg := output.Get("error").String(); msg != "" {
		return nil, &provider.ApplicationError{Provider: p.Name(), Message: msg}
	}

	content := output.Get("choices.0.message.content").String()
	if content == "" && output.Type == gjson.String {
		content = output.String()
	}
	content = provider.CleanReasoning(content)

	usage := provider.NewUsage(
		int(output.Get("usage.prompt_tokens").Int()),
		int(output.Get("usage.completion_tokens").Int()),
	)
	if !output.Get("usage").Exists() {
		usage = provider.NewUsage(provider.EstimateRequestTokens(req), provider.EstimateTokens(content))
	}

	model := output.Get("model").String()
	if model == "" {
		model = p.desc.Config.Model
	}
	id := jobID
	if id == "" {
		id = uuid.NewString()
	}

	return &provider.Response{
		ID:           id,
		Content:      content,
		FinishReason: mapFinishReason(output.Get("choices.0.finish_reason").String()),
		Usage:        usage,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// GenerateStream runs a blocking generation and replays it as chunks.
func (p *RunPodProvider) GenerateStream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return provider.NewChunkedStream(resp, wordsPerChunk), nil
}

func (p *RunPodProvider) CheckHealth(ctx context.Context) provider.HealthStatus {
	return provider.ProbeGenerate(ctx, p, provider.DefaultProbeTimeout)
}

// EstimateCost is zero; GPU time is billed per endpoint, not per token.
func (p *RunPodProvider) EstimateCost(req *provider.Request) float64 {
	return 0
}

func (p *RunPodProvider) ValidateConfig() error {
	if p.desc.Kind != provider.KindRunPod {
		return fmt.Errorf("%w: %s: kind %s is not served by the runpod adapter", provider.ErrConfigurationInvalid, p.desc.Name, p.desc.Kind)
	}
	if p.desc.Config.Endpoint == "" {
		return fmt.Errorf("%w: %s: endpoint is required", provider.ErrConfigurationInvalid, p.desc.Name)
	}
	if p.desc.Config.Credential == "" {
		return fmt.Errorf("%w: %s: api key is required", provider.ErrConfigurationInvalid, p.desc.Name)
	}
	return p.desc.Validate()
}

// FormatPrompt renders messages in the chat template the DeepSeek distill
// models were tuned on, leaving an open assistant turn.
func FormatPrompt(messages []provider.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			fmt.Fprintf(&b, "<|system|>\n%s<|end|>\n", m.Content)
		case provider.RoleUser:
			fmt.Fprintf(&b, "<|user|>\n%s<|end|>\n", m.Content)
		case provider.RoleAssistant:
			fmt.Fprintf(&b, "<|assistant|>\n%s<|end|>\n", m.Content)
		}
	}
	b.WriteString("<|assistant|>\n")
	return b.String()
}

func mapFinishReason(reason string) provider.FinishReason {
	if reason == "length" {
		return provider.FinishLength
	}
	return provider.FinishStop
}
