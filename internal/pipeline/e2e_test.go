package pipeline

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pdf-rag-go/internal/repository"
	"pdf-rag-go/internal/segmenter"
	"pdf-rag-go/pkg/watcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

const bagDims = 64

// bagOfWordsEmbedder 把单词哈希到固定维度并归一化，包含相同单词的文本彼此接近。
type bagOfWordsEmbedder struct{}

func (bagOfWordsEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, bagDims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%bagDims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v, nil
}

func TestEndToEnd_WatchIngestQueryRemove(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rag.db")), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite 单连接，避免测试协程与编排器并发写时的锁冲突
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	repo := repository.NewChunkRepository(db, bagDims, repository.DistanceCosine)
	require.NoError(t, repo.EnsureSchema(context.Background()))

	seg, err := segmenter.New(segmenter.StrategyParagraph)
	require.NoError(t, err)
	emb := bagOfWordsEmbedder{}
	o := NewOrchestrator(&textExtractor{}, seg, emb, repo, Options{})

	w, err := watcher.New(root, false)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	orchestratorDone := make(chan error, 1)
	go func() { orchestratorDone <- o.Run(ctx, w.Events()) }()

	content := strings.Join([]string{
		"Kubernetes schedules pods onto worker nodes.",
		"The quick brown fox jumps over the lazy dog.",
		"Postgres stores rows in heap pages.",
	}, "\n\n")
	// 先写到别处再移入，保证监听到的是完整文件
	staged := filepath.Join(staging, "notes.pdf")
	require.NoError(t, os.WriteFile(staged, []byte(content), 0o644))
	target := filepath.Join(root, "notes.pdf")
	require.NoError(t, os.Rename(staged, target))

	require.Eventually(t, func() bool {
		ok, err := repo.HasDocument(context.Background(), "notes.pdf")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)
	// 等待整个文件处理完
	require.Eventually(t, func() bool {
		q, _ := emb.CreateEmbedding(context.Background(), "x")
		got, err := repo.QueryNearest(context.Background(), q, repository.QueryOptions{K: 10})
		return err == nil && len(got) == 3
	}, 5*time.Second, 20*time.Millisecond)

	phrase := "quick brown fox jumps"
	query, err := emb.CreateEmbedding(context.Background(), phrase)
	require.NoError(t, err)
	top, err := repo.QueryNearest(context.Background(), query, repository.QueryOptions{K: 3})
	require.NoError(t, err)
	found := false
	for _, c := range top {
		if strings.Contains(c.Text, phrase) {
			found = true
			assert.Equal(t, "notes.pdf", c.DocumentName)
		}
	}
	assert.True(t, found, "chunk containing the phrase is in the top 3")
	assert.Contains(t, top[0].Text, phrase)

	require.NoError(t, os.Remove(target))
	require.Eventually(t, func() bool {
		ok, err := repo.HasDocument(context.Background(), "notes.pdf")
		return err == nil && !ok
	}, 5*time.Second, 20*time.Millisecond)

	top, err = repo.QueryNearest(context.Background(), query, repository.QueryOptions{K: 3})
	require.NoError(t, err)
	for _, c := range top {
		assert.NotEqual(t, "notes.pdf", c.DocumentName)
	}

	cancel()
	select {
	case err := <-orchestratorDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

// startPipeline 启动监听器和编排器，返回 sqlite 向量库。
func startPipeline(t *testing.T, root string) repository.ChunkRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rag.db")), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	repo := repository.NewChunkRepository(db, bagDims, repository.DistanceCosine)
	require.NoError(t, repo.EnsureSchema(context.Background()))

	seg, err := segmenter.New(segmenter.StrategyParagraph)
	require.NoError(t, err)
	o := NewOrchestrator(&textExtractor{}, seg, bagOfWordsEmbedder{}, repo, Options{})

	w, err := watcher.New(root, false)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = w.Run(ctx); done <- struct{}{} }()
	go func() { _ = o.Run(ctx, w.Events()); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
		w.Close()
	})
	return repo
}

func hasDocument(repo repository.ChunkRepository, name string) bool {
	ok, err := repo.HasDocument(context.Background(), name)
	return err == nil && ok
}

func TestEndToEnd_DirectoryMovedOutOfTreeIsRemoved(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	repo := startPipeline(t, root)

	staged := filepath.Join(outside, "sub")
	require.NoError(t, os.MkdirAll(staged, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "a.pdf"), []byte("alpha beta gamma"), 0o644))
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Rename(staged, sub))
	require.Eventually(t, func() bool { return hasDocument(repo, "a.pdf") }, 5*time.Second, 20*time.Millisecond)

	// 目录内后来新建的文件同样要随目录一起删除
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "b.pdf"), []byte("delta epsilon"), 0o644))
	require.NoError(t, os.Rename(filepath.Join(staging, "b.pdf"), filepath.Join(sub, "b.pdf")))
	require.Eventually(t, func() bool { return hasDocument(repo, "b.pdf") }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Rename(sub, filepath.Join(outside, "gone")))
	require.Eventually(t, func() bool {
		return !hasDocument(repo, "a.pdf") && !hasDocument(repo, "b.pdf")
	}, 5*time.Second, 20*time.Millisecond, "documents must leave the index with their directory")
}

func TestEndToEnd_InPlaceCopyIsIndexedOnceComplete(t *testing.T) {
	root := t.TempDir()
	repo := startPipeline(t, root)

	// Create 时文件为空，内容随后写入
	path := filepath.Join(root, "copied.pdf")
	f, err := os.Create(path)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.WriteString("Kubernetes schedules pods.\n\nPostgres stores rows.")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return hasDocument(repo, "copied.pdf") }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		q, _ := bagOfWordsEmbedder{}.CreateEmbedding(context.Background(), "x")
		got, err := repo.QueryNearest(context.Background(), q, repository.QueryOptions{K: 10})
		return err == nil && len(got) == 2
	}, 5*time.Second, 20*time.Millisecond)
}
