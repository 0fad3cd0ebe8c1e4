// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"strings"

	"pdf-rag-go/internal/service"
	"pdf-rag-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// GenerateHandler 处理一次性的检索增强生成请求。
type GenerateHandler struct {
	chatService service.ChatService
}

// NewGenerateHandler 创建一个新的 GenerateHandler 实例。
func NewGenerateHandler(chatService service.ChatService) *GenerateHandler {
	return &GenerateHandler{chatService: chatService}
}

// GenerateRequest 是 POST 生成接口的请求体。
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateByPath 处理 GET /generate/:prompt。
func (h *GenerateHandler) GenerateByPath(c *gin.Context) {
	h.generate(c, c.Param("prompt"))
}

// Generate 处理 POST /api/v1/generate。
func (h *GenerateHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求体"})
		return
	}
	h.generate(c, req.Prompt)
}

func (h *GenerateHandler) generate(c *gin.Context, prompt string) {
	if strings.TrimSpace(prompt) == "" {
		log.Warnf("[GenerateHandler] 生成请求失败: prompt 为空")
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt 不能为空"})
		return
	}

	resp, err := h.chatService.Generate(c.Request.Context(), prompt)
	if err != nil {
		log.Errorf("[GenerateHandler] 生成失败, prompt: %s, error: %v", prompt, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成失败"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Health 处理 GET /healthz。
func Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
