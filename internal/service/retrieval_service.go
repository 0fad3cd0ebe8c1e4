// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"

	"pdf-rag-go/internal/config"
	"pdf-rag-go/internal/model"
	"pdf-rag-go/internal/repository"
	"pdf-rag-go/pkg/embedding"
	"pdf-rag-go/pkg/log"
)

// RetrievalService 定义了查询时检索上下文的接口。
type RetrievalService interface {
	// RetrieveContext 返回按相关度排序、逐行拼接的上下文。
	// k <= 0 时使用配置的 top_k；threshold 非空时启用文档名闸门并覆盖配置的阈值。
	RetrieveContext(ctx context.Context, prompt string, k int, threshold *float64) (string, error)
	Search(ctx context.Context, query string, k int, threshold *float64) ([]model.ScoredChunk, error)
}

type retrievalService struct {
	embeddingClient embedding.Client
	chunkRepo       repository.ChunkRepository
	cfg             config.RetrievalConfig
	distance        repository.Distance
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(
	embeddingClient embedding.Client,
	chunkRepo repository.ChunkRepository,
	cfg config.RetrievalConfig,
	distance repository.Distance,
) RetrievalService {
	return &retrievalService{
		embeddingClient: embeddingClient,
		chunkRepo:       chunkRepo,
		cfg:             cfg,
		distance:        distance,
	}
}

func (s *retrievalService) Search(ctx context.Context, query string, k int, threshold *float64) ([]model.ScoredChunk, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}
	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("向量化查询失败: %w", err)
	}

	opts := repository.QueryOptions{K: k, Distance: s.distance}
	switch {
	case threshold != nil:
		opts.NameGate = &repository.NameGate{MinSimilarity: *threshold}
	case s.cfg.NameGateEnabled:
		opts.NameGate = &repository.NameGate{MinSimilarity: s.cfg.NameThreshold}
	}

	results, err := s.chunkRepo.QueryNearest(ctx, queryVector, opts)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	log.Infof("[RetrievalService] 检索完成, k=%d, 命中 %d 个分块", k, len(results))
	return results, nil
}

func (s *retrievalService) RetrieveContext(ctx context.Context, prompt string, k int, threshold *float64) (string, error) {
	results, err := s.Search(ctx, prompt, k, threshold)
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Text)
	}
	return strings.Join(texts, "\n"), nil
}
