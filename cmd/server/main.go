// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pdf-rag-go/internal/config"
	"pdf-rag-go/internal/handler"
	"pdf-rag-go/internal/middleware"
	"pdf-rag-go/internal/pipeline"
	"pdf-rag-go/internal/repository"
	"pdf-rag-go/internal/segmenter"
	"pdf-rag-go/internal/service"
	"pdf-rag-go/pkg/database"
	"pdf-rag-go/pkg/embedding"
	"pdf-rag-go/pkg/extract"
	"pdf-rag-go/pkg/kafka"
	"pdf-rag-go/pkg/llm"
	"pdf-rag-go/pkg/log"
	"pdf-rag-go/pkg/storage"
	"pdf-rag-go/pkg/watcher"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("RAG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化数据库和 Redis，任何一个不可用都无法继续
	if err := database.InitPostgres(cfg.Database.Postgres); err != nil {
		log.Fatal("PostgreSQL 初始化失败", err)
	}
	defer database.Close()
	if err := database.InitRedis(rootCtx, cfg.Database.Redis); err != nil {
		log.Fatal("Redis 初始化失败", err)
	}

	// 4. 初始化 Repository 并校验向量表结构
	distance, err := repository.ParseDistance(cfg.VectorStore.Distance)
	if err != nil {
		log.Fatal("向量距离配置无效", err)
	}
	chunkRepo := repository.NewChunkRepository(database.DB, cfg.Embedding.Dimensions, distance)
	if err := chunkRepo.EnsureSchema(rootCtx); err != nil {
		log.Fatal("向量表结构初始化失败", err)
	}
	conversationRepo := repository.NewConversationRepository(database.RDB, cfg.LLM.HistorySize)

	// 5. 初始化客户端与 Service (依赖注入)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	extractor, err := extract.New(cfg.Extractor, cfg.Tika)
	if err != nil {
		log.Fatal("文本提取器初始化失败", err)
	}
	seg, err := segmenter.New(segmenter.Strategy(cfg.Segmenter.Strategy),
		segmenter.WithWindowSize(cfg.Segmenter.WindowSize),
		segmenter.WithMergeThreshold(cfg.Segmenter.MergeThreshold),
		segmenter.WithEmbedder(embeddingClient),
	)
	if err != nil {
		log.Fatal("分段器初始化失败", err)
	}

	// 归档可选，未开启时 archiver/signer 保持为 nil 接口
	var archiver pipeline.Archiver
	var signer handler.URLSigner
	if cfg.MinIO.Enabled {
		archive, err := storage.NewArchive(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		archiver, signer = archive, archive
	}

	retrievalService := service.NewRetrievalService(embeddingClient, chunkRepo, cfg.Retrieval, distance)
	session := service.NewChatSession(cfg.LLM.SessionID, llmClient, conversationRepo, cfg.LLM.SystemPrompt, nil)
	chatService := service.NewChatService(retrievalService, session, cfg.Retrieval.Template)

	// 6. 初始化入库编排器与目录监听
	orchestrator := pipeline.NewOrchestrator(extractor, seg, embeddingClient, chunkRepo, pipeline.Options{
		Extensions:        cfg.Watcher.Extensions,
		Concurrency:       cfg.Ingest.Concurrency,
		PurgeOnCreate:     cfg.Ingest.PurgeOnCreate,
		EmbedDocumentName: cfg.Ingest.EmbedDocumentName,
		Archiver:          archiver,
	})
	root, err := filepath.Abs(cfg.Watcher.Root)
	if err != nil {
		log.Fatal("监听目录无效", err)
	}
	w, err := watcher.New(root, cfg.Watcher.InitialScan)
	if err != nil {
		log.Fatal("目录监听初始化失败", err)
	}
	defer w.Close()

	// 7. 启动后台入库流程，监听或编排失败都会终止进程
	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return w.Run(gctx) })
	switch cfg.Queue.Type {
	case "kafka":
		queue := kafka.NewQueue(cfg.Kafka, database.RDB, root)
		defer queue.Close()
		g.Go(func() error { return queue.Forward(gctx, w.Events()) })
		g.Go(func() error { return queue.Consume(gctx, orchestrator) })
	default:
		g.Go(func() error { return orchestrator.Run(gctx, w.Events()) })
	}
	log.Infof("入库流程已启动, root=%s, queue=%s, strategy=%s", root, cfg.Queue.Type, seg.Strategy())

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	generateHandler := handler.NewGenerateHandler(chatService)
	chatHandler := handler.NewChatHandler(chatService, session)
	r.GET("/healthz", handler.Health)
	r.GET("/generate/:prompt", generateHandler.GenerateByPath)
	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/generate", generateHandler.Generate)
		apiV1.GET("/search", handler.NewSearchHandler(retrievalService, signer).Search)

		// Chat 路由 (WebSocket)
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/ws", chatHandler.Handle)
			chatGroup.DELETE("/history", chatHandler.ResetHistory)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号或入库流程失败
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("接收到停机信号，正在关闭服务...")
	case <-gctx.Done():
		log.Errorf("入库流程异常退出，正在关闭服务...")
	}
	stop()

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	exitCode := 0
	if err := g.Wait(); err != nil {
		log.Errorf("入库流程错误: %v", err)
		exitCode = 1
	}
	log.Info("服务已关闭")
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}

