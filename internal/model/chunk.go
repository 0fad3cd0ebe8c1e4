package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Chunk 对应数据库中的 document 表，每行是一个可检索的文本分块。
// 向量列的维度由 ChunkRepository.EnsureSchema 按配置建表，这里不写死。
type Chunk struct {
	ID            int64            `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	Embedding     pgvector.Vector  `gorm:"not null;column:embedding" json:"-"`
	Text          string           `gorm:"type:text;not null;column:text" json:"text"`
	Name          string           `gorm:"type:text;not null;index;column:name" json:"name"`
	EmbeddingName *pgvector.Vector `gorm:"column:embedding_name" json:"-"`
	CreatedAt     time.Time        `gorm:"autoCreateTime;column:created_at" json:"createdAt"`
}

func (Chunk) TableName() string {
	return "document"
}

// ScoredChunk 是最近邻查询的一条结果，Distance 越小越相关。
type ScoredChunk struct {
	ID           int64   `json:"id"`
	Text         string  `json:"text"`
	DocumentName string  `json:"documentName"`
	Distance     float64 `json:"distance"`
}
