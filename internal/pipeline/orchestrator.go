// Package pipeline 定义了文档入库与删除的核心流程。
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"pdf-rag-go/internal/repository"
	"pdf-rag-go/pkg/extract"
	"pdf-rag-go/pkg/log"
	"pdf-rag-go/pkg/tasks"

	"golang.org/x/sync/errgroup"
)

// Segmenter 把原始文本切分为分块候选。
type Segmenter interface {
	Segment(ctx context.Context, raw string) ([]string, error)
}

// Embedder 把文本转换为向量。
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Archiver 可选地保存源文档副本，失败只记录日志。
type Archiver interface {
	Archive(ctx context.Context, documentName string, data []byte) error
	Remove(ctx context.Context, documentName string) error
}

// Options 控制入库行为。
type Options struct {
	// Extensions 是接受的文件扩展名（不区分大小写），为空时只接受 .pdf。
	Extensions []string
	// Concurrency 是同一文件内并行向量化和写入的分块数，文件之间始终串行。
	Concurrency int
	// PurgeOnCreate 为 true 时，入库前先删除同名文档的旧分块。
	PurgeOnCreate bool
	// EmbedDocumentName 为 true 时，为每个分块写入文档名向量。
	EmbedDocumentName bool
	Archiver          Archiver
}

// Orchestrator 按到达顺序逐个处理文件事件，是向量表唯一的写入方。
type Orchestrator struct {
	extractor  extract.Extractor
	segmenter  Segmenter
	embedder   Embedder
	chunkRepo  repository.ChunkRepository
	extensions map[string]struct{}
	opts       Options
}

// NewOrchestrator 创建一个新的 Orchestrator 实例。
func NewOrchestrator(
	extractor extract.Extractor,
	segmenter Segmenter,
	embedder Embedder,
	chunkRepo repository.ChunkRepository,
	opts Options,
) *Orchestrator {
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".pdf"}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &Orchestrator{
		extractor:  extractor,
		segmenter:  segmenter,
		embedder:   embedder,
		chunkRepo:  chunkRepo,
		extensions: exts,
		opts:       opts,
	}
}

// Run 消费事件直到 ctx 结束或通道关闭。删除失败等致命错误会直接返回。
func (o *Orchestrator) Run(ctx context.Context, events <-chan tasks.FileEvent) error {
	log.Info("[Orchestrator] 开始消费文件事件")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				log.Info("[Orchestrator] 事件通道已关闭, 停止消费")
				return nil
			}
			if err := o.HandleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// HandleEvent 完整处理一个事件后才返回。
func (o *Orchestrator) HandleEvent(ctx context.Context, ev tasks.FileEvent) error {
	switch {
	case ev.IsIngest():
		for _, path := range ev.Paths {
			o.ingestFile(ctx, path, ev.Seed)
			if err := ctx.Err(); err != nil {
				return nil
			}
		}
	case ev.IsRemoval():
		for _, path := range ev.Paths {
			if err := o.removeDocument(ctx, path); err != nil {
				return err
			}
		}
	default:
		log.Debugf("[Orchestrator] 忽略事件, kind=%s, paths=%v", ev.Kind, ev.Paths)
	}
	return nil
}

func (o *Orchestrator) accepts(path string) bool {
	_, ok := o.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ingestFile 尽力入库一个文件：读取、提取和切分失败会跳过整个文件，
// 单个分块的向量化或写入失败只跳过该分块。
func (o *Orchestrator) ingestFile(ctx context.Context, path string, seed bool) {
	name := filepath.Base(path)
	if !o.accepts(path) {
		log.Infof("[Orchestrator] 跳过不支持的文件类型: %s", path)
		return
	}
	if seed {
		exists, err := o.chunkRepo.HasDocument(ctx, name)
		if err != nil {
			log.Warnf("[Orchestrator] 查询文档是否已入库失败, 跳过: %s, err=%v", name, err)
			return
		}
		if exists {
			log.Infof("[Orchestrator] 文档已入库, 跳过启动扫描: %s", name)
			return
		}
	}
	log.Infof("[Orchestrator] 开始处理文件: %s", path)

	// 1. 读取文件
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("[Orchestrator] 步骤1: 读取文件失败, 跳过: %s, err=%v", path, err)
		return
	}

	// 2. 提取文本
	text, err := o.extractor.ExtractText(ctx, name, data)
	if err != nil {
		log.Warnf("[Orchestrator] 步骤2: 提取文本失败, 跳过: %s, err=%v", name, err)
		return
	}
	log.Infof("[Orchestrator] 步骤2: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 3. 切分
	candidates, err := o.segmenter.Segment(ctx, text)
	if err != nil {
		log.Warnf("[Orchestrator] 步骤3: 文本切分失败, 跳过: %s, err=%v", name, err)
		return
	}
	chunks := candidates[:0:0]
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			chunks = append(chunks, c)
		}
	}
	log.Infof("[Orchestrator] 步骤3: 文本切分完成, 共 %d 个分块", len(chunks))

	if o.opts.PurgeOnCreate {
		n, err := o.chunkRepo.DeleteByDocumentName(ctx, name)
		if err != nil {
			log.Warnf("[Orchestrator] 清理旧分块失败, 跳过: %s, err=%v", name, err)
			return
		}
		log.Infof("[Orchestrator] 已清理旧分块 %d 个: %s", n, name)
	}

	var nameEmbedding []float32
	if o.opts.EmbedDocumentName {
		nameEmbedding, err = o.embedder.CreateEmbedding(ctx, name)
		if err != nil {
			log.Warnf("[Orchestrator] 文档名向量化失败, 分块将不带文档名向量: %s, err=%v", name, err)
			nameEmbedding = nil
		}
	}

	// 4. 向量化并写入
	var inserted, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vector, err := o.embedder.CreateEmbedding(gctx, chunk)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				log.Warnf("[Orchestrator] 分块 %d/%d 向量化失败, 跳过: %v", i+1, len(chunks), err)
				return nil
			}
			err = o.chunkRepo.InsertChunk(gctx, repository.ChunkInput{
				Text:          chunk,
				Embedding:     vector,
				DocumentName:  name,
				NameEmbedding: nameEmbedding,
			})
			if err != nil {
				atomic.AddInt64(&failed, 1)
				log.Warnf("[Orchestrator] 分块 %d/%d 写入失败, 跳过: %v", i+1, len(chunks), err)
				return nil
			}
			atomic.AddInt64(&inserted, 1)
			log.Debugf("[Orchestrator] 分块 %d/%d 入库成功", i+1, len(chunks))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("[Orchestrator] 文件处理被中断: %s, err=%v", name, err)
		return
	}
	log.Infow("[Orchestrator] 文件处理完成", "document", name, "inserted", inserted, "failed", failed)

	if o.opts.Archiver != nil && inserted > 0 {
		if err := o.opts.Archiver.Archive(ctx, name, data); err != nil {
			log.Warnf("[Orchestrator] 归档源文档失败: %s, err=%v", name, err)
		}
	}
}

// removeDocument 按路径最后一段删除文档的全部分块，删除语句失败时返回错误。
func (o *Orchestrator) removeDocument(ctx context.Context, path string) error {
	name := filepath.Base(path)
	n, err := o.chunkRepo.DeleteByDocumentName(ctx, name)
	if err != nil {
		return fmt.Errorf("删除文档 %s 的分块失败: %w", name, err)
	}
	log.Infof("[Orchestrator] 已删除文档 %s 的 %d 个分块", name, n)

	if o.opts.Archiver != nil {
		if err := o.opts.Archiver.Remove(ctx, name); err != nil {
			log.Warnf("[Orchestrator] 删除归档失败: %s, err=%v", name, err)
		}
	}
	return nil
}
