package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// RunJob 队列消息, 字段名和已有的 worker 保持一致
type RunJob struct {
	WorkflowID string `json:"workflowId" validate:"required"`
	UserID     string `json:"userId"`
	RunID      string `json:"runId" validate:"required"`
}

// Delivery 一次投递, Ack/Reject 需要原样传回
type Delivery struct {
	ID      string
	Payload []byte
}

// JobQueue 至少一次投递的任务队列, 同一个消息可能被投递多次
type JobQueue interface {
	Enqueue(ctx context.Context, job *RunJob) error
	// Dequeue 最多等待 wait, 没有消息时返回 nil, nil
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	// Reject 消息永远不会成功, 移到死信
	Reject(ctx context.Context, delivery *Delivery, reason string) error
	// Recover 把上次崩溃时未确认的消息重新放回待处理, 返回数量
	Recover(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

func EncodeRunJob(job *RunJob) ([]byte, error) {
	if job == nil {
		return nil, errors.WithMessage(ErrInvalidJobPayload, "nil job")
	}
	if err := validatorUtil.Struct(job); err != nil {
		return nil, errors.WithMessagef(ErrInvalidJobPayload, "err: %v", err)
	}
	return json.Marshal(job)
}

// DecodeRunJob 缺少 workflowId 或者 runId 时返回 ErrInvalidJobPayload
func DecodeRunJob(payload []byte) (*RunJob, error) {
	job := &RunJob{}
	if err := json.Unmarshal(payload, job); err != nil {
		return nil, errors.WithMessagef(ErrInvalidJobPayload, "unmarshal failed, err: %v", err)
	}
	if err := validatorUtil.Struct(job); err != nil {
		return nil, errors.WithMessagef(ErrInvalidJobPayload, "err: %v", err)
	}
	return job, nil
}
