// Package model 包含了应用的数据模型定义。
package model

import "time"

// ChatMessage 代表存储在 Redis 中的单条对话消息。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// GenerateResponse 是一次检索增强生成的结果。
type GenerateResponse struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`
}
