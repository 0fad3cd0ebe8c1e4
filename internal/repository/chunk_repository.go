// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"pdf-rag-go/internal/model"
	"pdf-rag-go/pkg/embedding"
	"pdf-rag-go/pkg/log"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStore 表示向量库连接、结构或查询失败。
	ErrStore = errors.New("store error")
	// ErrDimensionMismatch 表示向量维度与建表维度不一致。
	ErrDimensionMismatch = fmt.Errorf("%w: dimension mismatch", ErrStore)
	// ErrDistanceMismatch 表示查询使用的距离函数与索引不一致。
	ErrDistanceMismatch = fmt.Errorf("%w: distance mismatch", ErrStore)
)

// Distance 是向量距离函数。
type Distance string

const (
	DistanceL2     Distance = "l2"
	DistanceCosine Distance = "cosine"
)

func (d Distance) operator() string {
	if d == DistanceL2 {
		return "<->"
	}
	return "<=>"
}

func (d Distance) indexName() string {
	return "idx_document_embedding_" + string(d)
}

// ParseDistance 解析配置中的距离函数名称。
func ParseDistance(s string) (Distance, error) {
	switch d := Distance(strings.ToLower(strings.TrimSpace(s))); d {
	case DistanceL2, DistanceCosine:
		return d, nil
	default:
		return "", fmt.Errorf("%w: 不支持的距离函数 %q", ErrStore, s)
	}
}

// ChunkInput 是写入一个分块所需的数据，NameEmbedding 可为空。
type ChunkInput struct {
	Text          string
	Embedding     []float32
	DocumentName  string
	NameEmbedding []float32
}

// NameGate 只保留文档名向量与查询向量余弦相似度大于 MinSimilarity 的分块。
type NameGate struct {
	MinSimilarity float64
}

// QueryOptions 控制最近邻查询。Distance 为空时使用建索引时的距离函数。
type QueryOptions struct {
	K        int
	Distance Distance
	NameGate *NameGate
}

// ChunkRepository 定义了对 document 表的数据操作接口。
type ChunkRepository interface {
	EnsureSchema(ctx context.Context) error
	InsertChunk(ctx context.Context, in ChunkInput) error
	DeleteByDocumentName(ctx context.Context, name string) (int64, error)
	QueryNearest(ctx context.Context, query []float32, opts QueryOptions) ([]model.ScoredChunk, error)
	HasDocument(ctx context.Context, name string) (bool, error)
}

type chunkRepository struct {
	db       *gorm.DB
	dims     int
	distance Distance
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB, dims int, distance Distance) ChunkRepository {
	return &chunkRepository{db: db, dims: dims, distance: distance}
}

func (r *chunkRepository) isPostgres() bool {
	return r.db.Dialector.Name() == "postgres"
}

// EnsureSchema 幂等地创建表和索引，可以在每次启动时执行。
// Postgres 下会校验已有表的向量维度和已有 HNSW 索引的距离函数。
func (r *chunkRepository) EnsureSchema(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if !r.isPostgres() {
		// 非 Postgres（测试用 sqlite）没有向量运算符，距离在内存中计算
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document (
				id integer PRIMARY KEY AUTOINCREMENT,
				embedding vector(%d) NOT NULL,
				text text NOT NULL,
				name text NOT NULL,
				embedding_name vector(%d),
				created_at datetime
			)`, r.dims, r.dims),
			`CREATE INDEX IF NOT EXISTS idx_document_name ON document (name)`,
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("%w: 初始化表结构失败: %w", ErrStore, err)
			}
		}
		return nil
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`).Error; err != nil {
		return fmt.Errorf("%w: 创建 vector 扩展失败: %w", ErrStore, err)
	}
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document (
		id bigserial PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		text text NOT NULL,
		name text NOT NULL,
		embedding_name vector(%d),
		created_at timestamptz NOT NULL DEFAULT now()
	)`, r.dims, r.dims)
	if err := db.Exec(createTable).Error; err != nil {
		return fmt.Errorf("%w: 创建 document 表失败: %w", ErrStore, err)
	}

	var declared int
	err := db.Raw(`SELECT atttypmod FROM pg_attribute WHERE attrelid = 'document'::regclass AND attname = 'embedding'`).
		Scan(&declared).Error
	if err != nil {
		return fmt.Errorf("%w: 读取向量列维度失败: %w", ErrStore, err)
	}
	if declared != r.dims {
		return fmt.Errorf("%w: 表中向量维度为 %d, 配置为 %d", ErrDimensionMismatch, declared, r.dims)
	}

	var indexes []string
	err = db.Raw(`SELECT indexname FROM pg_indexes WHERE tablename = 'document' AND indexname LIKE 'idx_document_embedding_%'`).
		Scan(&indexes).Error
	if err != nil {
		return fmt.Errorf("%w: 读取索引信息失败: %w", ErrStore, err)
	}
	for _, idx := range indexes {
		if idx != r.distance.indexName() {
			return fmt.Errorf("%w: 已存在索引 %s, 当前距离函数为 %s", ErrDistanceMismatch, idx, r.distance)
		}
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_document_name ON document (name)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON document USING hnsw (embedding vector_%s_ops)`,
			r.distance.indexName(), r.distance),
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%w: 创建索引失败: %w", ErrStore, err)
		}
	}
	log.Infof("[ChunkRepository] 表结构就绪, dims=%d, distance=%s", r.dims, r.distance)
	return nil
}

func (r *chunkRepository) checkDims(what string, v []float32) error {
	if len(v) != r.dims {
		return fmt.Errorf("%w: %s 维度为 %d, 期望 %d", ErrDimensionMismatch, what, len(v), r.dims)
	}
	return nil
}

// InsertChunk 写入一个分块。空文本和维度不一致都会被拒绝。
func (r *chunkRepository) InsertChunk(ctx context.Context, in ChunkInput) error {
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: 分块文本为空", ErrStore)
	}
	if err := r.checkDims("embedding", in.Embedding); err != nil {
		return err
	}
	chunk := model.Chunk{
		Embedding: pgvector.NewVector(in.Embedding),
		Text:      in.Text,
		Name:      in.DocumentName,
	}
	if in.NameEmbedding != nil {
		if err := r.checkDims("embedding_name", in.NameEmbedding); err != nil {
			return err
		}
		nameVec := pgvector.NewVector(in.NameEmbedding)
		chunk.EmbeddingName = &nameVec
	}
	if err := r.db.WithContext(ctx).Create(&chunk).Error; err != nil {
		return fmt.Errorf("%w: 插入分块失败: %w", ErrStore, err)
	}
	return nil
}

// DeleteByDocumentName 删除文档的全部分块，文档不存在时返回 0。
func (r *chunkRepository) DeleteByDocumentName(ctx context.Context, name string) (int64, error) {
	res := r.db.WithContext(ctx).Where("name = ?", name).Delete(&model.Chunk{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: 删除文档分块失败: %w", ErrStore, res.Error)
	}
	return res.RowsAffected, nil
}

// HasDocument 判断文档是否已有分块入库。
func (r *chunkRepository) HasDocument(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Chunk{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: 查询文档失败: %w", ErrStore, err)
	}
	return count > 0, nil
}

// QueryNearest 返回距离最近的 K 个分块，按距离升序。
// NameGate 在 WHERE 中过滤，先于排序和截断生效。
func (r *chunkRepository) QueryNearest(ctx context.Context, query []float32, opts QueryOptions) ([]model.ScoredChunk, error) {
	if opts.K <= 0 {
		return nil, fmt.Errorf("%w: k 必须大于 0", ErrStore)
	}
	if opts.Distance == "" {
		opts.Distance = r.distance
	}
	if opts.Distance != r.distance {
		return nil, fmt.Errorf("%w: 查询使用 %s, 索引使用 %s", ErrDistanceMismatch, opts.Distance, r.distance)
	}
	if err := r.checkDims("query", query); err != nil {
		return nil, err
	}
	if !r.isPostgres() {
		return r.queryNearestInMemory(ctx, query, opts)
	}

	vec := pgvector.NewVector(query)
	op := opts.Distance.operator()
	tx := r.db.WithContext(ctx).Model(&model.Chunk{}).
		Select("id, text, name AS document_name, embedding "+op+" ? AS distance", vec)
	if opts.NameGate != nil {
		tx = tx.Where("embedding_name IS NOT NULL AND 1 - (embedding_name <=> ?) > ?", vec, opts.NameGate.MinSimilarity)
	}
	var results []model.ScoredChunk
	err := tx.Clauses(clause.OrderBy{
		Expression: clause.Expr{SQL: "embedding " + op + " ?", Vars: []interface{}{vec}},
	}).Limit(opts.K).Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 向量查询失败: %w", ErrStore, err)
	}
	return results, nil
}

func (r *chunkRepository) queryNearestInMemory(ctx context.Context, query []float32, opts QueryOptions) ([]model.ScoredChunk, error) {
	var chunks []model.Chunk
	if err := r.db.WithContext(ctx).Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("%w: 向量查询失败: %w", ErrStore, err)
	}
	results := make([]model.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if opts.NameGate != nil {
			if c.EmbeddingName == nil ||
				embedding.CosineSimilarity(c.EmbeddingName.Slice(), query) <= opts.NameGate.MinSimilarity {
				continue
			}
		}
		results = append(results, model.ScoredChunk{
			ID:           c.ID,
			Text:         c.Text,
			DocumentName: c.Name,
			Distance:     distance(opts.Distance, c.Embedding.Slice(), query),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

func distance(d Distance, a, b []float32) float64 {
	if d == DistanceCosine {
		return 1 - embedding.CosineSimilarity(a, b)
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
