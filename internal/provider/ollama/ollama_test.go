package ollama

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

func newTestProvider(url string) provider.Provider {
	return New(provider.Descriptor{
		Name: "ollama-primary",
		Kind: provider.KindOllama,
		Config: provider.Config{
			Endpoint: url,
			Model:    "deepseek-r1:8b",
			Timeout:  5 * time.Second,
		},
	})
}

func TestGenerate_CleansReasoning(t *testing.T) {
	var captured generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		fmt.Fprint(w, `{"model":"deepseek-r1:8b","created_at":"2024-05-01T10:00:00Z","response":"<think>The user greets me.</think>Hello! How can I help?","done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":8}`)
	}))
	defer server.Close()

	req := &provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "You are a shop assistant."},
			{Role: provider.RoleUser, Content: "Hello"},
		},
		MaxTokens: 50,
	}

	resp, err := newTestProvider(server.URL).Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help?", resp.Content)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, provider.NewUsage(12, 8), resp.Usage)
	assert.Equal(t, "deepseek-r1:8b", resp.Model)

	assert.Equal(t, "You are a shop assistant.", captured.System)
	assert.Equal(t, "User: Hello\n\nAssistant:", captured.Prompt)
	assert.False(t, captured.Stream)
	require.NotNil(t, captured.Options)
	assert.Equal(t, 50, captured.Options.NumPredict)
}

func TestGenerate_OnlyReasoningFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"<think>nothing useful</think>","done":true}`)
	}))
	defer server.Close()

	resp, err := newTestProvider(server.URL).Generate(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, provider.FallbackApology, resp.Content)
}

func TestGenerate_ModelError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'deepseek-r1:8b' not found"}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Generate(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	var appErr *provider.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)
}

func TestGenerateStream_NDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		frames := []string{"<thi", "nk>hidden</think>", "Hel", "lo", " there"}
		for _, f := range frames {
			data, _ := json.Marshal(map[string]any{"model": "deepseek-r1:8b", "response": f, "done": false})
			fmt.Fprintf(w, "%s\n", data)
		}
		fmt.Fprint(w, `{"model":"deepseek-r1:8b","response":"","done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":5}`+"\n")
	}))
	defer server.Close()

	stream, err := newTestProvider(server.URL).GenerateStream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var last *provider.StreamChunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Delta
		last = chunk
	}

	assert.Equal(t, "Hello there", content)
	require.NotNil(t, last)
	assert.Equal(t, provider.FinishStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 8, last.Usage.TotalTokens)
}

func TestEstimateCostIsZero(t *testing.T) {
	p := newTestProvider("http://localhost:11434")
	assert.Zero(t, p.EstimateCost(&provider.Request{
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: "a long prompt"}},
		MaxTokens: 1000,
	}))
}

func TestValidateConfig_NoCredentialNeeded(t *testing.T) {
	assert.NoError(t, newTestProvider("http://localhost:11434").ValidateConfig())
}
