package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazeapp/llm-router/internal/provider"
)

func newTestProvider(url string) *OpenAIProvider {
	return New(provider.Descriptor{
		Name: "openai",
		Kind: provider.KindOpenAI,
		Config: provider.Config{
			Endpoint:   url,
			Credential: "test-key",
			Model:      "gpt-4o-mini",
			Timeout:    5 * time.Second,
		},
	}).(*OpenAIProvider)
}

func userRequest(content string) *provider.Request {
	return &provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: content}},
	}
}

func TestGenerate_Mock(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		resp := openAIResponse{
			ID: "test-id",
			Choices: []openAIChoice{
				{
					Message:      openAIMessage{Role: "assistant", Content: "Hello from OpenAI mock!"},
					FinishReason: "stop",
				},
			},
			Usage: &openAIUsage{PromptTokens: 15, CompletionTokens: 25},
			Model: "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	temp := 0.3
	req := userRequest("hi")
	req.MaxTokens = 50
	req.Temperature = &temp

	resp, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hello from OpenAI mock!", resp.Content)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 25, resp.Usage.CompletionTokens)
	assert.Equal(t, 40, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.Equal(t, 50, captured.MaxTokens)
	require.NotNil(t, captured.Temperature)
	assert.Equal(t, 0.3, *captured.Temperature)
	assert.Nil(t, captured.TopP)
	assert.False(t, captured.Stream)
}

func TestGenerate_ToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","model":"gpt-4o","choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"type":"function","function":{"name":"book_table","arguments":"{\"people\":2}"}}]}}]}`)
	}))
	defer server.Close()

	resp, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("book"))
	require.NoError(t, err)

	assert.Equal(t, provider.FinishFunctionCall, resp.FinishReason)
	require.NotNil(t, resp.FunctionCall)
	assert.Equal(t, "book_table", resp.FunctionCall.Name)
	assert.Equal(t, `{"people":2}`, resp.FunctionCall.Arguments)
}

func TestGenerate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model"}}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("hi"))
	require.Error(t, err)

	var appErr *provider.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
	assert.False(t, provider.IsNetworkError(err))
}

func TestGenerate_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestProvider(url).Generate(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.True(t, provider.IsNetworkError(err))
}

func TestGenerateStream_Mock(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " from", " OpenAI", "!"}
		for _, chunk := range chunks {
			resp := openAIResponse{
				ID:      "chatcmpl-1",
				Choices: []openAIChoice{{Delta: openAIDelta{Content: chunk}}},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4}}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	stream, err := newTestProvider(server.URL).GenerateStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var finish provider.FinishReason
	var usage *provider.Usage
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Delta
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hello from OpenAI!", content)
	assert.Equal(t, provider.FinishStop, finish)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.True(t, captured.Stream)
	require.NotNil(t, captured.StreamOptions)
	assert.True(t, captured.StreamOptions.IncludeUsage)
}

func TestDeepSeekDefaults(t *testing.T) {
	p := New(provider.Descriptor{
		Name:   "deepseek-fallback",
		Kind:   provider.KindDeepSeek,
		Config: provider.Config{Credential: "k", Model: "deepseek-chat", Timeout: time.Second},
	}).(*OpenAIProvider)

	assert.Equal(t, "deepseek-fallback", p.Name())
	assert.Equal(t, defaultDeepSeekURL, p.baseURL)
	assert.NoError(t, p.ValidateConfig())
}

func TestValidateConfig(t *testing.T) {
	p := New(provider.Descriptor{
		Name:   "openai",
		Kind:   provider.KindOpenAI,
		Config: provider.Config{Model: "gpt-4o", Timeout: time.Second},
	})

	err := p.ValidateConfig()
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrConfigurationInvalid)
}

func TestEstimateCost(t *testing.T) {
	p := newTestProvider("http://localhost")
	req := userRequest("12345678")
	req.MaxTokens = 10

	assert.InDelta(t, 2*0.00000015+10*0.00000060, p.EstimateCost(req), 1e-12)
}
