// Package kafka 提供了基于 Kafka 的持久化有序文件事件队列。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdf-rag-go/internal/config"
	"pdf-rag-go/pkg/log"
	"pdf-rag-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// MaxAttempts 是单个事件的最大处理次数，超过后提交 offset 跳过该事件。
const MaxAttempts = 3

// EventHandler 处理单个文件事件，编排器实现了该接口。
type EventHandler interface {
	HandleEvent(ctx context.Context, ev tasks.FileEvent) error
}

// AttemptCounter 记录事件的失败次数，进程重启后仍然保留。
type AttemptCounter interface {
	Get(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Queue 把监听事件写入单一分区并按顺序消费，保证事件顺序不变。
type Queue struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	counter AttemptCounter
	key     []byte
	backoff time.Duration
	topic   string
	groupID string
}

// NewQueue 创建生产者和消费者。所有事件使用同一个 key，落在同一分区。
func NewQueue(cfg config.KafkaConfig, rdb *redis.Client, partitionKey string) *Queue {
	brokers := strings.Split(cfg.Brokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return &Queue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}),
		counter: NewRedisCounter(rdb),
		key:     []byte(partitionKey),
		backoff: time.Second,
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
	}
}

// Publish 发送一个文件事件到 Kafka。
func (q *Queue) Publish(ctx context.Context, ev tasks.FileEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: q.key, Value: value})
}

// Forward 把监听器的事件按顺序转发到 Kafka，直到通道关闭或 ctx 结束。
func (q *Queue) Forward(ctx context.Context, events <-chan tasks.FileEvent) error {
	log.Infof("Kafka 生产者已启动, 主题 '%s'", q.topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := q.Publish(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("发送文件事件到 Kafka 失败: %w", err)
			}
		}
	}
}

// Consume 逐条消费事件并交给 handler，处理完一条才读取下一条。
func (q *Queue) Consume(ctx context.Context, handler EventHandler) error {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s', group '%s'", q.topic, q.groupID)
	for {
		m, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		if err := q.process(ctx, q.reader, m, handler); err != nil {
			return err
		}
	}
}

// Close 关闭生产者和消费者。
func (q *Queue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}

func attemptsKey(m kafka.Message) string {
	return fmt.Sprintf("kafka:attempts:%s:%d:%d", m.Topic, m.Partition, m.Offset)
}

// process 处理一条消息。失败时原地重试，第 MaxAttempts 次失败返回错误且不提交 offset；
// 重启后读到同一条消息时计数已满，直接提交跳过。
func (q *Queue) process(ctx context.Context, c committer, m kafka.Message, handler EventHandler) error {
	var ev tasks.FileEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		return q.commit(ctx, c, m)
	}

	key := attemptsKey(m)
	attempts, err := q.counter.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("读取失败计数失败: %w", err)
	}
	for {
		if attempts >= MaxAttempts {
			log.Errorf("文件事件多次失败(>=%d)，提交 offset 终止重试: offset=%d, kind=%s, paths=%v", MaxAttempts, m.Offset, ev.Kind, ev.Paths)
			_ = q.counter.Reset(ctx, key)
			return q.commit(ctx, c, m)
		}

		handleErr := handler.HandleEvent(ctx, ev)
		if handleErr == nil {
			_ = q.counter.Reset(ctx, key)
			return q.commit(ctx, c, m)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempts, err = q.counter.Incr(ctx, key)
		if err != nil {
			// Redis 异常时保守处理：不提交 offset，交给重启后重试
			return fmt.Errorf("处理文件事件失败且无法记录失败次数: %w", handleErr)
		}
		log.Errorf("处理文件事件失败(第 %d 次): offset=%d, err=%v", attempts, m.Offset, handleErr)
		if attempts >= MaxAttempts {
			return fmt.Errorf("文件事件处理失败 %d 次: %w", attempts, handleErr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.backoff * time.Duration(attempts)):
		}
	}
}

func (q *Queue) commit(ctx context.Context, c committer, m kafka.Message) error {
	if err := c.CommitMessages(ctx, m); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("提交 Kafka 消息 offset 失败: %w", err)
	}
	return nil
}

type redisCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCounter 返回保存在 Redis 中的失败计数器，计数保留 24 小时。
func NewRedisCounter(rdb *redis.Client) AttemptCounter {
	return &redisCounter{rdb: rdb, ttl: 24 * time.Hour}
}

func (r *redisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = r.rdb.Expire(ctx, key, r.ttl).Err()
	return n, nil
}

func (r *redisCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
