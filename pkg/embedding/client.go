// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"pdf-rag-go/internal/config"
	"pdf-rag-go/pkg/log"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrEmbedding 表示模型调用失败或输入无效。
var ErrEmbedding = errors.New("embedding error")

// Client defines the interface for an embedding client.
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  openai.Client
	timeout time.Duration
}

// NewClient creates an embedding client for an OpenAI-compatible /embeddings endpoint.
// The vector dimension is fixed here and every returned vector is checked against it.
func NewClient(cfg config.EmbeddingConfig) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(withTrailingSlash(cfg.BaseURL)))
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  openai.NewClient(opts...),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func (c *openAICompatibleClient) Dimensions() int {
	return c.cfg.Dimensions
}

// CreateEmbedding calls the embeddings API to get the vector for a given text.
func (c *openAICompatibleClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty input", ErrEmbedding)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, input_len: %d", c.cfg.Model, len(text))
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.cfg.Model),
	})
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, fmt.Errorf("%w: call embedding api: %v", ErrEmbedding, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		log.Warnf("[EmbeddingClient] Embedding API 返回了空的向量数据")
		return nil, fmt.Errorf("%w: received empty embedding from api", ErrEmbedding)
	}

	raw := resp.Data[0].Embedding
	if len(raw) != c.cfg.Dimensions {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d", ErrEmbedding, c.cfg.Dimensions, len(raw))
	}
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	return vector, nil
}

// CosineSimilarity 计算两个向量的余弦相似度；维度不一致或存在零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func withTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
