// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，启动时加载一次，之后只读。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
	Tika        TikaConfig        `mapstructure:"tika"`
	MinIO       MinIOConfig       `mapstructure:"minio"`
	Segmenter   SegmenterConfig   `mapstructure:"segmenter"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	LLM         LLMConfig         `mapstructure:"llm"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig 存储 PostgreSQL (pgvector) 连接与连接池配置。
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WatcherConfig 配置被监听的文档目录。
type WatcherConfig struct {
	Root        string   `mapstructure:"root"`
	Extensions  []string `mapstructure:"extensions"`
	InitialScan bool     `mapstructure:"initial_scan"`
}

// QueueConfig 选择监听事件到编排器之间的传输方式：channel 或 kafka。
type QueueConfig struct {
	Type string `mapstructure:"type"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ExtractorConfig 选择文本提取实现：pdf 或 tika。
type ExtractorConfig struct {
	Type string `mapstructure:"type"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档已入库的源文档。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// SegmenterConfig 配置文本切分策略。
type SegmenterConfig struct {
	Strategy       string  `mapstructure:"strategy"`
	WindowSize     int     `mapstructure:"window_size"`
	MergeThreshold float64 `mapstructure:"merge_threshold"`
}

// IngestConfig 配置入库行为。
type IngestConfig struct {
	Concurrency       int  `mapstructure:"concurrency"`
	PurgeOnCreate     bool `mapstructure:"purge_on_create"`
	EmbedDocumentName bool `mapstructure:"embed_document_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	Dimensions     int    `mapstructure:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// VectorStoreConfig 配置向量表的距离度量。
type VectorStoreConfig struct {
	Distance string `mapstructure:"distance"`
}

// RetrievalConfig 配置检索与上下文拼装。
type RetrievalConfig struct {
	TopK            int     `mapstructure:"top_k"`
	NameGateEnabled bool    `mapstructure:"name_gate_enabled"`
	NameThreshold   float64 `mapstructure:"name_threshold"`
	Template        string  `mapstructure:"template"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	SystemPrompt   string              `mapstructure:"system_prompt"`
	SessionID      string              `mapstructure:"session_id"`
	HistorySize    int                 `mapstructure:"history_size"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// Init 从指定路径加载配置到 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Load 读取 YAML 配置文件，叠加默认值与环境变量（前缀 RAG_）。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 兼容旧的监听目录环境变量
	_ = v.BindEnv("watcher.root", "RAG_WATCHER_ROOT", "EMBEDDINGS_PATH")

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.max_open_conns", 20)
	v.SetDefault("database.postgres.conn_max_lifetime_minutes", 60)
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("watcher.root", "./documents")
	v.SetDefault("watcher.extensions", []string{".pdf"})
	v.SetDefault("queue.type", "channel")
	v.SetDefault("kafka.topic", "rag-file-events")
	v.SetDefault("kafka.group_id", "pdf-rag-go-orchestrator")
	v.SetDefault("extractor.type", "pdf")
	v.SetDefault("minio.bucket_name", "rag-documents")
	v.SetDefault("segmenter.strategy", "merge")
	v.SetDefault("segmenter.window_size", 100)
	v.SetDefault("segmenter.merge_threshold", 0.7)
	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("ingest.embed_document_name", true)
	v.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("embedding.max_retries", 2)
	v.SetDefault("vector_store.distance", "cosine")
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.name_threshold", 0.5)
	v.SetDefault("retrieval.template", "Context: {context}. Question: {prompt}")
	v.SetDefault("llm.session_id", "default")
	v.SetDefault("llm.history_size", 20)
	v.SetDefault("llm.timeout_seconds", 120)
}

func (c Config) validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions 必须为正数, 当前: %d", c.Embedding.Dimensions)
	}
	switch c.VectorStore.Distance {
	case "l2", "cosine":
	default:
		return fmt.Errorf("vector_store.distance 不支持: %q", c.VectorStore.Distance)
	}
	switch c.Queue.Type {
	case "channel", "kafka":
	default:
		return fmt.Errorf("queue.type 不支持: %q", c.Queue.Type)
	}
	if c.Queue.Type == "kafka" && c.Kafka.Brokers == "" {
		return fmt.Errorf("queue.type=kafka 时必须配置 kafka.brokers")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k 必须为正数, 当前: %d", c.Retrieval.TopK)
	}
	return nil
}
