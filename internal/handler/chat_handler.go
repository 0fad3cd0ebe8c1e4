package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pdf-rag-go/internal/service"
	"pdf-rag-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// SessionResetter 清空共享会话的历史。
type SessionResetter interface {
	Reset(ctx context.Context) error
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService service.ChatService
	session     SessionResetter
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, session SessionResetter) *ChatHandler {
	return &ChatHandler{chatService: chatService, session: session}
}

// lockedConn 串行化对同一连接的写入，gorilla/websocket 只允许一个并发写者。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v interface{}) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

// isStopCommand 判断消息是否为 {"type":"stop"} 停止指令。
func isStopCommand(message []byte) bool {
	if len(message) == 0 || message[0] != '{' {
		return false
	}
	var ctrl struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(message, &ctrl) == nil && ctrl.Type == "stop"
}

// Handle 处理一个传入的 WebSocket 连接。每条文本消息是一个问题，
// 同一连接上的问题依次回答；连接断开时取消正在进行的生成。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立, remote: %s", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := &lockedConn{conn: conn}
	var stopped atomic.Bool
	var inflight sync.WaitGroup

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		if isStopCommand(message) {
			log.Info("收到停止指令，正在中断流式响应...")
			stopped.Store(true)
			out.writeJSON(map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			})
			continue
		}

		// 上一个问题回答完之后再开始下一个
		inflight.Wait()
		stopped.Store(false)
		inflight.Add(1)
		go func(prompt string) {
			defer inflight.Done()
			if err := h.chatService.StreamResponse(ctx, prompt, out, stopped.Load); err != nil {
				log.Errorf("处理流式响应失败: %v", err)
				out.writeJSON(map[string]string{"error": "AI服务暂时不可用，请稍后重试"})
				out.writeJSON(map[string]interface{}{
					"type":      "completion",
					"status":    "finished",
					"message":   "响应已完成",
					"timestamp": time.Now().UnixMilli(),
					"date":      time.Now().Format("2006-01-02T15:04:05"),
				})
			}
		}(string(message))
	}

	cancel()
	inflight.Wait()
}

// ResetHistory 处理 DELETE /api/v1/chat/history。
func (h *ChatHandler) ResetHistory(c *gin.Context) {
	if err := h.session.Reset(c.Request.Context()); err != nil {
		log.Errorf("清空对话历史失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清空对话历史失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "success"})
}
