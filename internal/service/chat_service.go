package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pdf-rag-go/internal/model"
	"pdf-rag-go/pkg/llm"
	"pdf-rag-go/pkg/log"

	"github.com/gorilla/websocket"
)

// DefaultTemplate 是检索上下文与问题的组合模板。
const DefaultTemplate = "Context: {context}. Question: {prompt}"

// ChatService 定义了检索增强生成的接口。
type ChatService interface {
	Generate(ctx context.Context, prompt string) (*model.GenerateResponse, error)
	StreamResponse(ctx context.Context, prompt string, conn llm.MessageWriter, shouldStop func() bool) error
}

type chatService struct {
	retrievalService RetrievalService
	session          *ChatSession
	template         string
}

// NewChatService 创建一个新的 ChatService 实例，所有请求共享同一个 session。
func NewChatService(retrievalService RetrievalService, session *ChatSession, template string) ChatService {
	if template == "" {
		template = DefaultTemplate
	}
	return &chatService{
		retrievalService: retrievalService,
		session:          session,
		template:         template,
	}
}

// composeMessage 把上下文与问题组合成会话中的一轮消息。
func (s *chatService) composeMessage(ctx context.Context, prompt string) (string, error) {
	contextText, err := s.retrievalService.RetrieveContext(ctx, prompt, 0, nil)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve context: %w", err)
	}
	return strings.NewReplacer("{context}", contextText, "{prompt}", prompt).Replace(s.template), nil
}

// Generate 检索上下文后把组合消息交给会话，检索失败时不会调用模型。
func (s *chatService) Generate(ctx context.Context, prompt string) (*model.GenerateResponse, error) {
	message, err := s.composeMessage(ctx, prompt)
	if err != nil {
		return nil, err
	}
	text, err := s.session.Send(ctx, message)
	if err != nil {
		return nil, err
	}
	return &model.GenerateResponse{Prompt: prompt, Text: text}, nil
}

// StreamResponse 协调 RAG 流程并流式传输 LLM 响应。
func (s *chatService) StreamResponse(ctx context.Context, prompt string, conn llm.MessageWriter, shouldStop func() bool) error {
	message, err := s.composeMessage(ctx, prompt)
	if err != nil {
		return err
	}
	interceptor := &wsWriterInterceptor{conn: conn, shouldStop: shouldStop}
	answer, err := s.session.Stream(ctx, message, interceptor)
	if err != nil {
		return err
	}
	log.Infof("[ChatService] 流式回复完成, session=%s, 长度=%d", s.session.ID(), len(answer))
	sendCompletion(conn)
	return nil
}

// wsWriterInterceptor 把模型的原始分块包装成 {"chunk":"..."} 再写给客户端。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(conn llm.MessageWriter) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
