package provider

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// Plan is the caller's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStandard   Plan = "standard"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Caller identifies who the request is served for. An empty OrganizationID
// means the caller is anonymous and is not metered.
type Caller struct {
	OrganizationID string
	Plan           Plan
	Priority       Priority
}

// Requirements lists capabilities the serving provider must have.
type Requirements struct {
	FunctionCalling bool
	ImageAnalysis   bool
}

type Request struct {
	Messages         []Message
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stream           bool

	Requirements Requirements
	Caller       Caller
	RequestID    string
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishFunctionCall  FinishReason = "function_call"
	FinishContentFilter FinishReason = "content_filter"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage keeps TotalTokens consistent with its parts.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Metadata struct {
	ResponseTimeMs int64  `json:"responseTimeMs"`
	ProviderName   string `json:"providerName"`
}

type Response struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	FinishReason FinishReason  `json:"finishReason"`
	Usage        Usage         `json:"usage"`
	Model        string        `json:"model"`
	CreatedAt    time.Time     `json:"createdAt"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
	Metadata     *Metadata     `json:"metadata,omitempty"`
}

// StreamChunk is one incremental piece of a Response. The terminal chunk
// carries FinishReason and, when the backend reports it, the final Usage.
type StreamChunk struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Delta        string       `json:"delta"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// Stream is a finite, non-restartable sequence of chunks. Recv returns
// io.EOF after the last chunk. Close must be called on every exit path; it
// releases the underlying connection even if the stream was not drained.
type Stream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

type Provider interface {
	Name() string
	Descriptor() Descriptor
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) (Stream, error)
	// CheckHealth issues a real minimal generation against the backend.
	CheckHealth(ctx context.Context) HealthStatus
	// EstimateCost returns the approximate USD cost of serving req.
	EstimateCost(req *Request) float64
	ValidateConfig() error
}
