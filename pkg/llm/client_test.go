package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pdf-rag-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens"`
}

func fakeChatServer(t *testing.T, got *recordedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, got))

		if got.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"Hel", "lo"} {
				fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", part)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type bufferWriter struct {
	frames []string
}

func (b *bufferWriter) WriteMessage(_ int, data []byte) error {
	b.frames = append(b.frames, string(data))
	return nil
}

func TestChatMessages(t *testing.T) {
	var req recordedRequest
	srv := fakeChatServer(t, &req)
	c := NewClient(config.LLMConfig{
		BaseURL:    srv.URL,
		Model:      "local-chat",
		Generation: config.LLMGenerationConfig{Temperature: 0.3},
	})

	out, err := c.ChatMessages(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)

	assert.Equal(t, "local-chat", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.3, *req.Temperature, 1e-9)
	assert.Nil(t, req.MaxTokens)
}

func TestStreamChatMessages(t *testing.T) {
	var req recordedRequest
	srv := fakeChatServer(t, &req)
	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "local-chat"})

	maxTokens := 64
	w := &bufferWriter{}
	out, err := c.StreamChatMessages(context.Background(), []Message{{Role: "user", Content: "hi"}},
		&GenerationParams{MaxTokens: &maxTokens}, w)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Equal(t, []string{"Hel", "lo"}, w.frames)
	assert.True(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
}

func TestChatMessages_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "local-chat"})
	_, err := c.ChatMessages(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	assert.Error(t, err)
}
