package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultConsumerConcurrency = 4
	defaultConsumerPollWait    = 5 * time.Second
	consumerErrorBackoff       = time.Second
)

// QueueConsumer 从队列取出任务, 按 runId 重新执行工作流
// 同一个消息被重复投递时, 引擎会清空之前的步骤从头执行
type QueueConsumer struct {
	queue          JobQueue
	engine         *Engine
	logger         *slog.Logger
	concurrency    int
	pollWait       time.Duration
	recoverOnStart bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

type ConsumerOption func(*QueueConsumer)

func WithConsumerConcurrency(n int) ConsumerOption {
	return func(c *QueueConsumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithConsumerPollWait(wait time.Duration) ConsumerOption {
	return func(c *QueueConsumer) {
		if wait > 0 {
			c.pollWait = wait
		}
	}
}

// WithRecoverOnStart 启动时把上次未确认的消息放回待处理
func WithRecoverOnStart(enabled bool) ConsumerOption {
	return func(c *QueueConsumer) {
		c.recoverOnStart = enabled
	}
}

func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *QueueConsumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewQueueConsumer(queue JobQueue, engine *Engine, opts ...ConsumerOption) *QueueConsumer {
	c := &QueueConsumer{
		queue:       queue,
		engine:      engine,
		logger:      slog.Default(),
		concurrency: defaultConsumerConcurrency,
		pollWait:    defaultConsumerPollWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 启动消费协程, 立即返回
func (c *QueueConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.queue == nil {
		return ErrQueueNotConfigured
	}
	if c.recoverOnStart {
		count, err := c.queue.Recover(ctx)
		if err != nil {
			return errors.WithMessage(err, "recover unacked jobs failed")
		}
		if count > 0 {
			c.logger.InfoContext(ctx, "recovered unacked jobs", slog.Int64("count", count))
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.running = true
	c.logger.InfoContext(ctx, "queue consumer starting", slog.Int("concurrency", c.concurrency))
	for range c.concurrency {
		c.wg.Add(1)
		go c.loop(loopCtx)
	}
	return nil
}

// Stop 停止取消息, 等待正在执行的任务完成, ctx 到期后直接返回
func (c *QueueConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("queue consumer stopped gracefully")
		return nil
	case <-ctx.Done():
		c.logger.Warn("queue consumer shutdown timed out")
		return ctx.Err()
	}
}

func (c *QueueConsumer) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := c.queue.Dequeue(ctx, c.pollWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			c.logger.Error("dequeue failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumerErrorBackoff):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		// 已经取出的消息要执行完, 不跟着 Stop 取消
		_ = c.HandleDelivery(context.WithoutCancel(ctx), delivery)
	}
}

// HandleDelivery 处理一条消息
// 消息不合法或者执行出现严重错误时放入死信, 其余情况(包括重复投递拿不到租约)确认消息
func (c *QueueConsumer) HandleDelivery(ctx context.Context, delivery *Delivery) error {
	job, err := DecodeRunJob(delivery.Payload)
	if err != nil {
		c.logger.ErrorContext(ctx, "invalid run job payload", slog.String("payload", string(delivery.Payload)), slog.Any("err", err))
		if rejectErr := c.queue.Reject(ctx, delivery, err.Error()); rejectErr != nil {
			c.logger.ErrorContext(ctx, "reject job failed", slog.Any("err", rejectErr))
		}
		return err
	}

	err = c.runJob(ctx, job)
	if err != nil && IsSeriousError(err) {
		c.logger.ErrorContext(ctx, "run job failed",
			slog.String("run_id", job.RunID), slog.String("workflow_id", job.WorkflowID), slog.Any("err", err))
		if rejectErr := c.queue.Reject(ctx, delivery, err.Error()); rejectErr != nil {
			c.logger.ErrorContext(ctx, "reject job failed", slog.String("run_id", job.RunID), slog.Any("err", rejectErr))
		}
		return err
	}
	if err != nil {
		c.logger.WarnContext(ctx, "run job skipped",
			slog.String("run_id", job.RunID), slog.Any("err", err))
	}
	if ackErr := c.queue.Ack(ctx, delivery); ackErr != nil {
		c.logger.ErrorContext(ctx, "ack job failed", slog.String("run_id", job.RunID), slog.Any("err", ackErr))
		return ackErr
	}
	return nil
}

// runJob 执行引擎, panic 转成严重错误
func (c *QueueConsumer) runJob(ctx context.Context, job *RunJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "run job panic",
				slog.String("run_id", job.RunID),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			err = errors.Errorf("run job panic: %v", r)
		}
	}()
	_, err = c.engine.Run(ctx, job.WorkflowID, job.UserID, job.RunID)
	return err
}
