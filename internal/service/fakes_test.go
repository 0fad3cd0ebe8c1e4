package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pdf-rag-go/internal/model"
	"pdf-rag-go/internal/repository"
	"pdf-rag-go/pkg/embedding"
	"pdf-rag-go/pkg/llm"

	"github.com/gorilla/websocket"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int32
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown text %q", embedding.ErrEmbedding, text)
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeChunkRepo struct {
	results  []model.ScoredChunk
	err      error
	lastOpts *repository.QueryOptions
	queries  int
}

func (f *fakeChunkRepo) EnsureSchema(context.Context) error { return nil }

func (f *fakeChunkRepo) InsertChunk(context.Context, repository.ChunkInput) error { return nil }

func (f *fakeChunkRepo) DeleteByDocumentName(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeChunkRepo) HasDocument(context.Context, string) (bool, error) { return false, nil }

func (f *fakeChunkRepo) QueryNearest(_ context.Context, _ []float32, opts repository.QueryOptions) ([]model.ScoredChunk, error) {
	f.queries++
	f.lastOpts = &opts
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// fakeLLM 记录收到的消息，并统计同时进行中的调用数。
type fakeLLM struct {
	mu       sync.Mutex
	received [][]llm.Message
	answer   string
	parts    []string
	err      error
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (f *fakeLLM) enter() {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(f.delay)
}

func (f *fakeLLM) record(messages []llm.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, messages)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeLLM) ChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	f.enter()
	defer atomic.AddInt32(&f.inFlight, -1)
	f.record(messages)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams, writer llm.MessageWriter) (string, error) {
	f.enter()
	defer atomic.AddInt32(&f.inFlight, -1)
	f.record(messages)
	if f.err != nil {
		return "", f.err
	}
	var full string
	for _, p := range f.parts {
		if err := writer.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			return full, err
		}
		full += p
	}
	return full, nil
}

type memConversationRepo struct {
	mu      sync.Mutex
	history map[string][]model.ChatMessage
	getErr  error
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{history: map[string][]model.ChatMessage{}}
}

func (m *memConversationRepo) GetConversationHistory(_ context.Context, sessionID string) ([]model.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return append([]model.ChatMessage(nil), m.history[sessionID]...), nil
}

func (m *memConversationRepo) UpdateConversationHistory(_ context.Context, sessionID string, messages []model.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[sessionID] = messages
	return nil
}

func (m *memConversationRepo) ClearConversationHistory(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
	return nil
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *frameRecorder) WriteMessage(_ int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(data))
	return nil
}

var errUnavailable = errors.New("unavailable")
