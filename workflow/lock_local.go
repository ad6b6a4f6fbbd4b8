package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 单进程使用的租约, 多进程部署需要用 redis 版本
func NewLocalWorkflowLock(logger *slog.Logger) WorkflowLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &localWorkflowLock{
		leases: make(map[string]*localLease),
		logger: logger,
		now:    time.Now,
	}
}

type localWorkflowLock struct {
	mu     sync.Mutex
	leases map[string]*localLease // key -> 当前持有者
	logger *slog.Logger
	now    func() time.Time
}

type localLease struct {
	token    string // 持有者标识
	expireAt time.Time
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if _, ok := heldLeaseToken(ctx, key); ok {
		// 已经持有, 可重入
		return f(ctx)
	}
	token := uuid.New().String()
	if !l.acquire(key, token, ttl) {
		return errors.WithMessagef(LockFailedError, "[localWorkflowLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer l.release(key, token)
	return f(withLeaseToken(ctx, key, token))
}

func (l *localWorkflowLock) acquire(key string, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expireAt) {
		return false
	}
	l.leases[key] = &localLease{token: token, expireAt: now.Add(ttl)}
	return true
}

func (l *localWorkflowLock) release(key string, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[key]
	if !ok {
		return
	}
	if lease.token != token {
		// 租约过期后被其他执行者拿走了
		l.logger.Warn("release lease skipped, token mismatch", slog.String("key", key))
		return
	}
	delete(l.leases, key)
}
