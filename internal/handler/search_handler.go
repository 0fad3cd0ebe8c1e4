package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"pdf-rag-go/internal/model"
	"pdf-rag-go/internal/service"
	"pdf-rag-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// URLSigner 为归档的源文档生成临时下载链接。
type URLSigner interface {
	PresignedURL(ctx context.Context, documentName string, expiry time.Duration) (string, error)
}

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	retrievalService service.RetrievalService
	signer           URLSigner
}

// NewSearchHandler 创建一个新的 SearchHandler 实例，signer 可以为 nil。
func NewSearchHandler(retrievalService service.RetrievalService, signer URLSigner) *SearchHandler {
	return &SearchHandler{
		retrievalService: retrievalService,
		signer:           signer,
	}
}

// SearchResult 是一条检索结果，归档开启时附带源文档下载链接。
type SearchResult struct {
	model.ScoredChunk
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// Search 处理 GET /api/v1/search?query=&topK=&threshold=。
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("query")
	log.Infof("[SearchHandler] 收到搜索请求, query: %s", query)

	if query == "" {
		log.Warnf("[SearchHandler] 搜索请求失败: query 参数为空")
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的查询参数"})
		return
	}
	topK, err := strconv.Atoi(c.DefaultQuery("topK", "0"))
	if err != nil || topK < 0 {
		topK = 0
	}
	var threshold *float64
	if raw := c.Query("threshold"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 threshold 参数"})
			return
		}
		threshold = &t
	}

	chunks, err := h.retrievalService.Search(c.Request.Context(), query, topK, threshold)
	if err != nil {
		log.Errorf("[SearchHandler] 检索服务返回错误, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "搜索失败"})
		return
	}

	results := make([]SearchResult, 0, len(chunks))
	urls := map[string]string{}
	for _, chunk := range chunks {
		r := SearchResult{ScoredChunk: chunk}
		if h.signer != nil {
			u, ok := urls[chunk.DocumentName]
			if !ok {
				u, err = h.signer.PresignedURL(c.Request.Context(), chunk.DocumentName, time.Hour)
				if err != nil {
					log.Warnf("[SearchHandler] 生成下载链接失败: %s, err=%v", chunk.DocumentName, err)
				}
				urls[chunk.DocumentName] = u
			}
			r.DownloadURL = u
		}
		results = append(results, r)
	}

	log.Infof("[SearchHandler] 搜索成功, query: '%s', 返回 %d 条结果", query, len(results))
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": results, "message": "success"})
}
