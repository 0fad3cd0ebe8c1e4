package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pdf-rag-go/internal/model"

	"github.com/go-redis/redis/v8"
)

const conversationTTL = 7 * 24 * time.Hour

// ConversationRepository 定义了对话历史记录的操作接口。
type ConversationRepository interface {
	GetConversationHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	UpdateConversationHistory(ctx context.Context, sessionID string, messages []model.ChatMessage) error
	ClearConversationHistory(ctx context.Context, sessionID string) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
	historySize int
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例，historySize 为保留的消息条数。
func NewConversationRepository(redisClient *redis.Client, historySize int) ConversationRepository {
	if historySize <= 0 {
		historySize = 20
	}
	return &redisConversationRepository{redisClient: redisClient, historySize: historySize}
}

func conversationKey(sessionID string) string {
	return fmt.Sprintf("conversation:%s", sessionID)
}

// GetConversationHistory 从 Redis 获取对话历史记录。
func (r *redisConversationRepository) GetConversationHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationKey(sessionID)).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, nil
}

// UpdateConversationHistory 在 Redis 中更新对话历史记录，只保留最近 historySize 条。
func (r *redisConversationRepository) UpdateConversationHistory(ctx context.Context, sessionID string, messages []model.ChatMessage) error {
	messages = trimHistory(messages, r.historySize)
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, conversationKey(sessionID), jsonData, conversationTTL).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

// ClearConversationHistory 删除会话的全部历史。
func (r *redisConversationRepository) ClearConversationHistory(ctx context.Context, sessionID string) error {
	if err := r.redisClient.Del(ctx, conversationKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear conversation history: %w", err)
	}
	return nil
}

// trimHistory 只保留最近 size 条消息，并且让历史从用户消息开始，
// 避免截断后以一条孤立的助手回复开头。
func trimHistory(messages []model.ChatMessage, size int) []model.ChatMessage {
	if len(messages) <= size {
		return messages
	}
	messages = messages[len(messages)-size:]
	for len(messages) > 0 && messages[0].Role == "assistant" {
		messages = messages[1:]
	}
	return messages
}
