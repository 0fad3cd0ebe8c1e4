package service

import (
	"context"
	"fmt"
	"time"

	"pdf-rag-go/internal/model"
	"pdf-rag-go/internal/repository"
	"pdf-rag-go/pkg/llm"
	"pdf-rag-go/pkg/log"
)

// ChatSession 持有一段连续的对话。同一时刻只允许一个生成调用，
// 其余调用在获取会话时排队，排队可被 ctx 取消。
type ChatSession struct {
	id               string
	llmClient        llm.Client
	conversationRepo repository.ConversationRepository
	systemPrompt     string
	gen              *llm.GenerationParams
	sem              chan struct{}
}

// NewChatSession 创建一个会话，历史记录保存在 conversationRepo 中。
func NewChatSession(
	id string,
	llmClient llm.Client,
	conversationRepo repository.ConversationRepository,
	systemPrompt string,
	gen *llm.GenerationParams,
) *ChatSession {
	return &ChatSession{
		id:               id,
		llmClient:        llmClient,
		conversationRepo: conversationRepo,
		systemPrompt:     systemPrompt,
		gen:              gen,
		sem:              make(chan struct{}, 1),
	}
}

// ID 返回会话标识。
func (s *ChatSession) ID() string {
	return s.id
}

func (s *ChatSession) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待会话超时或被取消: %w", ctx.Err())
	}
}

func (s *ChatSession) release() {
	<-s.sem
}

// Send 把一条消息作为新的一轮发送给模型，返回完整回复。
func (s *ChatSession) Send(ctx context.Context, message string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	answer, err := s.llmClient.ChatMessages(ctx, s.compose(ctx, message), s.gen)
	if err != nil {
		return "", fmt.Errorf("生成回复失败: %w", err)
	}
	s.appendTurn(message, answer)
	return answer, nil
}

// Stream 与 Send 相同，但把回复分块写入 writer。
func (s *ChatSession) Stream(ctx context.Context, message string, writer llm.MessageWriter) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	answer, err := s.llmClient.StreamChatMessages(ctx, s.compose(ctx, message), s.gen, writer)
	if err != nil {
		return "", fmt.Errorf("生成回复失败: %w", err)
	}
	s.appendTurn(message, answer)
	return answer, nil
}

// Reset 清空会话历史。
func (s *ChatSession) Reset(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.conversationRepo.ClearConversationHistory(ctx, s.id)
}

func (s *ChatSession) compose(ctx context.Context, message string) []llm.Message {
	history, err := s.conversationRepo.GetConversationHistory(ctx, s.id)
	if err != nil {
		log.Errorf("[ChatSession] 加载对话历史失败, session=%s: %v", s.id, err)
		history = nil
	}
	msgs := make([]llm.Message, 0, len(history)+2)
	if s.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: s.systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: message})
}

// appendTurn 在持有会话时追加一轮问答。
func (s *ChatSession) appendTurn(question, answer string) {
	if answer == "" {
		return
	}
	// 使用后台上下文，即使原始请求被取消，也保存已经生成的回答
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	history, err := s.conversationRepo.GetConversationHistory(ctx, s.id)
	if err != nil {
		log.Errorf("[ChatSession] 加载对话历史失败, session=%s: %v", s.id, err)
		return
	}
	now := time.Now()
	history = append(history,
		model.ChatMessage{Role: "user", Content: question, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	if err := s.conversationRepo.UpdateConversationHistory(ctx, s.id, history); err != nil {
		log.Errorf("[ChatSession] 保存对话历史失败, session=%s: %v", s.id, err)
	}
}
