package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalJobQueue 进程内队列, 重启后消息丢失, 只用于单进程部署和测试
func NewLocalJobQueue() *LocalJobQueue {
	return &LocalJobQueue{
		processing: make(map[string]*Delivery),
		notify:     make(chan struct{}, 1),
	}
}

type LocalJobQueue struct {
	mu         sync.Mutex
	pending    []*Delivery
	processing map[string]*Delivery
	dead       []*Delivery
	notify     chan struct{}
	closed     bool
}

func (q *LocalJobQueue) Enqueue(ctx context.Context, job *RunJob) error {
	payload, err := EncodeRunJob(job)
	if err != nil {
		return err
	}
	return q.push(&Delivery{ID: uuid.New().String(), Payload: payload})
}

// EnqueueRaw 直接写入原始消息
func (q *LocalJobQueue) EnqueueRaw(payload []byte) error {
	return q.push(&Delivery{ID: uuid.New().String(), Payload: payload})
}

func (q *LocalJobQueue) push(delivery *Delivery) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, delivery)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *LocalJobQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *LocalJobQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.pending) > 0 {
			delivery := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[delivery.ID] = delivery
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return delivery, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *LocalJobQueue) Ack(ctx context.Context, delivery *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, delivery.ID)
	return nil
}

func (q *LocalJobQueue) Reject(ctx context.Context, delivery *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[delivery.ID]; !ok {
		return errors.Errorf("delivery not in processing, id: %s", delivery.ID)
	}
	delete(q.processing, delivery.ID)
	q.dead = append(q.dead, delivery)
	return nil
}

func (q *LocalJobQueue) Recover(ctx context.Context) (int64, error) {
	q.mu.Lock()
	var count int64
	for id, delivery := range q.processing {
		q.pending = append(q.pending, delivery)
		delete(q.processing, id)
		count++
	}
	q.mu.Unlock()
	if count > 0 {
		q.wake()
	}
	return count, nil
}

func (q *LocalJobQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func (q *LocalJobQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}

// Stats 返回待处理, 处理中, 死信的数量
func (q *LocalJobQueue) Stats() (pending int, processing int, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.processing), len(q.dead)
}
