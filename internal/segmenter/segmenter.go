// Package segmenter 把提取出的原始文本切分为待向量化的分块候选。
package segmenter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"pdf-rag-go/pkg/embedding"
	"pdf-rag-go/pkg/log"
)

// Strategy 选择切分方式。
type Strategy string

const (
	// StrategyParagraph 按空行切分，每个非空段落一个候选。
	StrategyParagraph Strategy = "paragraph"
	// StrategyWindow 按固定词数窗口切分。
	StrategyWindow Strategy = "window"
	// StrategyMerge 按段落切分后，把语义相近的后续段落追加到当前段落。
	StrategyMerge Strategy = "merge"
)

const (
	DefaultWindowSize     = 100
	DefaultMergeThreshold = 0.7
)

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// Embedder 是 merge 策略所需的向量化能力。
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Segmenter 是单一入口的切分器，策略在构造时确定。
type Segmenter struct {
	strategy   Strategy
	windowSize int
	threshold  float64
	embedder   Embedder
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithWindowSize 设置 window 策略的窗口词数。
func WithWindowSize(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

// WithMergeThreshold 设置 merge 策略的余弦相似度阈值（严格大于才合并）。
func WithMergeThreshold(t float64) Option {
	return func(s *Segmenter) {
		if t > 0 {
			s.threshold = t
		}
	}
}

// WithEmbedder 设置 merge 策略使用的向量化客户端。
func WithEmbedder(e Embedder) Option {
	return func(s *Segmenter) {
		s.embedder = e
	}
}

// New 创建切分器。merge 策略必须提供 Embedder。
func New(strategy Strategy, opts ...Option) (*Segmenter, error) {
	s := &Segmenter{
		strategy:   strategy,
		windowSize: DefaultWindowSize,
		threshold:  DefaultMergeThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	switch strategy {
	case StrategyParagraph, StrategyWindow:
	case StrategyMerge:
		if s.embedder == nil {
			return nil, fmt.Errorf("merge 策略需要 embedder")
		}
	default:
		return nil, fmt.Errorf("未知的切分策略: %q", strategy)
	}
	return s, nil
}

// Strategy 返回当前使用的策略。
func (s *Segmenter) Strategy() Strategy {
	return s.strategy
}

// Segment 按策略切分文本，返回的候选均非空。
func (s *Segmenter) Segment(ctx context.Context, raw string) ([]string, error) {
	switch s.strategy {
	case StrategyParagraph:
		return splitParagraphs(raw), nil
	case StrategyWindow:
		return splitWindows(raw, s.windowSize), nil
	case StrategyMerge:
		return s.mergeNeighbors(ctx, splitParagraphs(raw))
	default:
		return nil, fmt.Errorf("未知的切分策略: %q", s.strategy)
	}
}

func splitParagraphs(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	parts := blankLine.Split(raw, -1)
	paragraphs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

func splitWindows(raw string, size int) []string {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return nil
	}
	windows := make([]string, 0, (len(words)+size-1)/size)
	for start := 0; start < len(words); start += size {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		windows = append(windows, strings.Join(words[start:end], " "))
	}
	return windows
}

// mergeNeighbors 为每个段落 i 追加所有相似度 > threshold 的后续段落 j。
// 段落 j 自身仍然作为独立候选保留，因此候选之间会有重叠。
// 每个段落只向量化一次，比较次数为 O(n²)。
func (s *Segmenter) mergeNeighbors(ctx context.Context, paragraphs []string) ([]string, error) {
	vectors := make([][]float32, len(paragraphs))
	for i, p := range paragraphs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := s.embedder.CreateEmbedding(ctx, p)
		if err != nil {
			// 向量化失败的段落单独输出，不参与合并
			log.Warnf("[Segmenter] 段落 %d 向量化失败, 不参与合并: %v", i, err)
			continue
		}
		vectors[i] = vec
	}

	candidates := make([]string, 0, len(paragraphs))
	for i, p := range paragraphs {
		var b strings.Builder
		b.WriteString(p)
		if vectors[i] != nil {
			for j := i + 1; j < len(paragraphs); j++ {
				if vectors[j] == nil {
					continue
				}
				if embedding.CosineSimilarity(vectors[i], vectors[j]) > s.threshold {
					b.WriteString("\n")
					b.WriteString(paragraphs[j])
				}
			}
		}
		candidates = append(candidates, b.String())
	}
	return candidates, nil
}
