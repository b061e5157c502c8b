package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazeapp/llm-router/internal/provider"
)

func newTestProvider(url string) provider.Provider {
	return New(provider.Descriptor{
		Name: "runpod",
		Kind: provider.KindRunPod,
		Config: provider.Config{
			Endpoint:   url,
			Credential: "rp-key",
			Model:      "deepseek-r1-distill-llama-8b",
			Timeout:    5 * time.Second,
		},
	}, WithPolling(time.Millisecond, 5))
}

func userRequest(content string) *provider.Request {
	return &provider.Request{
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: content}},
		MaxTokens: 100,
	}
}

func TestGenerate_SubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	var submitted map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer rp-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/run":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &submitted)
			fmt.Fprint(w, `{"id":"job-1","status":"IN_QUEUE"}`)
		case "/status/job-1":
			if polls.Add(1) < 3 {
				fmt.Fprint(w, `{"id":"job-1","status":"IN_PROGRESS"}`)
				return
			}
			fmt.Fprint(w, `{"id":"job-1","status":"COMPLETED","output":{"choices":[{"message":{"role":"assistant","content":"<think>greeting</think>Bonjour !"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13},"model":"deepseek-r1-distill-llama-8b"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	resp, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("Bonjour"))
	require.NoError(t, err)

	assert.Equal(t, "job-1", resp.ID)
	assert.Equal(t, "Bonjour !", resp.Content)
	assert.Equal(t, provider.NewUsage(9, 4), resp.Usage)
	assert.Equal(t, int32(3), polls.Load())

	input := submitted["input"].(map[string]any)
	assert.Equal(t, "<|user|>\nBonjour<|end|>\n<|assistant|>\n", input["prompt"])
	assert.Equal(t, float64(100), input["max_tokens"])
	assert.Len(t, input["messages"], 1)
}

func TestGenerate_ListOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-2","status":"COMPLETED","output":[{"choices":[{"message":{"content":"Echo: hi"}}]}]}`)
	}))
	defer server.Close()

	resp, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, "Echo: hi", resp.Content)
	assert.Equal(t, provider.NewUsage(1, 2), resp.Usage)
}

func TestGenerate_OutputError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-3","status":"COMPLETED","output":{"error":"No messages provided"}}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("hi"))
	var appErr *provider.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "No messages provided", appErr.Message)
	assert.False(t, provider.IsNetworkError(err))
}

func TestGenerate_JobFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/run" {
			fmt.Fprint(w, `{"id":"job-4","status":"IN_QUEUE"}`)
			return
		}
		fmt.Fprint(w, `{"id":"job-4","status":"FAILED","error":"CUDA out of memory"}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("hi"))
	var appErr *provider.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Message, "CUDA out of memory")
}

func TestGenerate_PollBudgetExhausted(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/run" {
			fmt.Fprint(w, `{"id":"job-5","status":"IN_QUEUE"}`)
			return
		}
		polls.Add(1)
		fmt.Fprint(w, `{"id":"job-5","status":"IN_QUEUE"}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Generate(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrRequestTimeout)
	assert.True(t, provider.IsNetworkError(err))
	assert.Equal(t, int32(5), polls.Load())
}

func TestGenerateStream_Synthesized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-6","status":"COMPLETED","output":{"choices":[{"message":{"content":"one two three four five"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":5}}}`)
	}))
	defer server.Close()

	stream, err := newTestProvider(server.URL).GenerateStream(context.Background(), userRequest("count"))
	require.NoError(t, err)
	defer stream.Close()

	var deltas []string
	var last *provider.StreamChunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		deltas = append(deltas, chunk.Delta)
		last = chunk
	}

	assert.Equal(t, []string{"one two three ", "four five"}, deltas)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 6, last.Usage.TotalTokens)
	assert.Equal(t, provider.FinishStop, last.FinishReason)
}

func TestFormatPrompt(t *testing.T) {
	got := FormatPrompt([]provider.Message{
		{Role: provider.RoleSystem, Content: "Be kind."},
		{Role: provider.RoleUser, Content: "Hi"},
		{Role: provider.RoleAssistant, Content: "Hello"},
		{Role: provider.RoleUser, Content: "Price?"},
	})
	assert.Equal(t, "<|system|>\nBe kind.<|end|>\n<|user|>\nHi<|end|>\n<|assistant|>\nHello<|end|>\n<|user|>\nPrice?<|end|>\n<|assistant|>\n", got)
}

func TestValidateConfig(t *testing.T) {
	p := New(provider.Descriptor{
		Name:   "runpod",
		Kind:   provider.KindRunPod,
		Config: provider.Config{Credential: "k", Model: "m", Timeout: time.Second},
	})
	assert.ErrorIs(t, p.ValidateConfig(), provider.ErrConfigurationInvalid)
}
