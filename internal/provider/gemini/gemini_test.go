package gemini

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
		Name: "gemini",
		Kind: provider.KindGemini,
		Config: provider.Config{
			Endpoint:   url,
			Credential: "test-key",
			Model:      "gemini-1.5-flash",
			Timeout:    5 * time.Second,
		},
	})
}

func TestGenerate_Mock(t *testing.T) {
	var captured geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content:      geminiContent{Parts: []geminiPart{{Text: "Hello from Gemini mock!"}}},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "Be brief."},
			{Role: provider.RoleUser, Content: "hi"},
			{Role: provider.RoleAssistant, Content: "hello"},
			{Role: provider.RoleUser, Content: "how are you"},
		},
		MaxTokens: 64,
	}

	resp, err := newTestProvider(server.URL).Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hello from Gemini mock!", resp.Content)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, provider.NewUsage(5, 15), resp.Usage)
	assert.Equal(t, "gemini-1.5-flash", resp.Model)
	assert.NotEmpty(t, resp.ID)

	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "Be brief.", captured.SystemInstruction.Parts[0].Text)
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "model", captured.Contents[1].Role)
	require.NotNil(t, captured.GenerationConfig)
	assert.Equal(t, 64, captured.GenerationConfig.MaxOutputTokens)
}

func TestGenerate_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Generate(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})
	var appErr *provider.ApplicationError
	require.True(t, errors.As(err, &appErr))
}

func TestGenerateStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " from", " Gemini", "!"}
		for _, chunk := range chunks {
			resp := geminiResponse{
				Candidates: []geminiCandidate{
					{Content: geminiContent{Parts: []geminiPart{{Text: chunk}}}},
				},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"\"}]},\"finishReason\":\"MAX_TOKENS\"}],\"usageMetadata\":{\"promptTokenCount\":2,\"candidatesTokenCount\":4}}\n\n")
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

	assert.Equal(t, "Hello from Gemini!", content)
	require.NotNil(t, last)
	assert.Equal(t, provider.FinishLength, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 6, last.Usage.TotalTokens)
}
