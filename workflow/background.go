package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

const defaultBackgroundConcurrency = 16

var ErrBackgroundStopped = errors.New("background runner stopped")

// BackgroundRunner 进程内的后台任务池, 用于不走队列的 fire-and-forget 执行
// Submit 不会阻塞调用方, 同时执行的任务数不超过 concurrency, 多出来的排队等待
// 任务的错误和 panic 都会被记录日志, 不会导致进程退出
type BackgroundRunner struct {
	logger *slog.Logger
	slots  chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func NewBackgroundRunner(concurrency int, logger *slog.Logger) *BackgroundRunner {
	if concurrency <= 0 {
		concurrency = defaultBackgroundConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundRunner{
		logger:  logger,
		slots:   make(chan struct{}, concurrency),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Submit 提交一个后台任务, runner 已经停止时返回 ErrBackgroundStopped
func (b *BackgroundRunner) Submit(name string, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return errors.WithMessagef(ErrBackgroundStopped, "task: %s", name)
	}
	b.wg.Add(1)
	go b.run(name, fn)
	return nil
}

func (b *BackgroundRunner) run(name string, fn func(ctx context.Context) error) {
	defer b.wg.Done()

	select {
	case b.slots <- struct{}{}:
	case <-b.baseCtx.Done():
		b.logger.Warn("background task dropped before start", slog.String("task", name))
		return
	}
	defer func() { <-b.slots }()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("background task panic",
				slog.String("task", name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := fn(b.baseCtx); err != nil {
		if IsSeriousError(err) {
			b.logger.Error("background task failed", slog.String("task", name), slog.Any("err", err))
		} else {
			b.logger.Warn("background task failed", slog.String("task", name), slog.Any("err", err))
		}
	}
}

// Stop 不再接收新任务并等待已提交的任务完成, ctx 到期后取消剩余任务
func (b *BackgroundRunner) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		b.logger.Info("background runner stopped gracefully")
		return nil
	case <-ctx.Done():
		b.logger.Warn("background runner shutdown timed out, cancelling tasks")
		b.cancel()
		<-done
		return ctx.Err()
	}
}
