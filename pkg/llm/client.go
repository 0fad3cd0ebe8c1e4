// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pdf-rag-go/internal/config"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and our interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// ChatMessages 以 role-based 消息调用聊天接口，返回完整回复。
	ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChatMessages 将流式分块写入 writer，并返回拼接后的完整回复。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) (string, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

type openAICompatibleClient struct {
	cfg     config.LLMConfig
	client  openai.Client
	timeout time.Duration
}

// NewClient creates a chat client for an OpenAI-compatible /chat/completions endpoint.
func NewClient(cfg config.LLMConfig) Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  openai.NewClient(opts...),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (c *openAICompatibleClient) params(messages []Message, gen *GenerationParams) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			p.Messages = append(p.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			p.Messages = append(p.Messages, openai.AssistantMessage(m.Content))
		default:
			p.Messages = append(p.Messages, openai.UserMessage(m.Content))
		}
	}

	// 传参优先，其次是全局配置中的非零值
	if gen == nil {
		gen = &GenerationParams{}
		if t := c.cfg.Generation.Temperature; t != 0 {
			gen.Temperature = &t
		}
		if tp := c.cfg.Generation.TopP; tp != 0 {
			gen.TopP = &tp
		}
		if m := c.cfg.Generation.MaxTokens; m != 0 {
			gen.MaxTokens = &m
		}
	}
	if gen.Temperature != nil {
		p.Temperature = openai.Float(*gen.Temperature)
	}
	if gen.TopP != nil {
		p.TopP = openai.Float(*gen.TopP)
	}
	if gen.MaxTokens != nil {
		p.MaxTokens = openai.Int(int64(*gen.MaxTokens))
	}
	return p
}

func (c *openAICompatibleClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *openAICompatibleClient) ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, c.params(messages, gen))
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat api returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAICompatibleClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(messages, gen))
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		full.WriteString(content)
		if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
			return full.String(), fmt.Errorf("failed to write message to websocket: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), fmt.Errorf("failed to read from stream: %w", err)
	}
	return full.String(), nil
}
