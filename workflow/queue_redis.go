package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultQueueName = "workflow-runs"

// RedisJobQueue 基于 list 的可靠队列
//
//	pending    LPUSH 写入, BLMOVE 取出的同时放进 processing
//	processing Ack 时 LREM, 进程崩溃后由 Recover 放回 pending
//	dead       Reject 的消息和原因
type RedisJobQueue struct {
	client redis.UniversalClient
	name   string
}

func NewRedisJobQueue(client redis.UniversalClient, name string) *RedisJobQueue {
	if name == "" {
		name = defaultQueueName
	}
	return &RedisJobQueue{client: client, name: name}
}

func (q *RedisJobQueue) pendingKey() string    { return "flowrun:queue:" + q.name + ":pending" }
func (q *RedisJobQueue) processingKey() string { return "flowrun:queue:" + q.name + ":processing" }
func (q *RedisJobQueue) deadKey() string       { return "flowrun:queue:" + q.name + ":dead" }

type deadLetter struct {
	Payload  string `json:"payload"`
	Reason   string `json:"reason"`
	FailedAt int64  `json:"failedAt"`
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job *RunJob) error {
	payload, err := EncodeRunJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return errors.WithMessagef(err, "enqueue run job failed, runID: %s", job.RunID)
	}
	return nil
}

func (q *RedisJobQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	payload, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "dequeue run job failed")
	}
	return &Delivery{ID: payload, Payload: []byte(payload)}, nil
}

func (q *RedisJobQueue) Ack(ctx context.Context, delivery *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, delivery.ID).Err(); err != nil {
		return errors.WithMessage(err, "ack run job failed")
	}
	return nil
}

func (q *RedisJobQueue) Reject(ctx context.Context, delivery *Delivery, reason string) error {
	letter, err := json.Marshal(&deadLetter{
		Payload:  delivery.ID,
		Reason:   reason,
		FailedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.WithMessage(err, "marshal dead letter failed")
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, delivery.ID)
	pipe.LPush(ctx, q.deadKey(), letter)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WithMessage(err, "reject run job failed")
	}
	return nil
}

// Recover 只能在没有其他消费者运行时调用, 否则会把正在处理的消息重复投递
func (q *RedisJobQueue) Recover(ctx context.Context) (int64, error) {
	var count int64
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "RIGHT").Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return count, nil
			}
			return count, errors.WithMessage(err, "recover run jobs failed")
		}
		count++
	}
}

func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// DeadLetters 返回死信队列中最近的消息
func (q *RedisJobQueue) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
}
