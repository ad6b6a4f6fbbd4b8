package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// 只删除自己持有的租约
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

const leaseReleaseTimeout = 5 * time.Second

func NewRedisWorkflowLock(redisClient redis.Cmdable, logger *slog.Logger) WorkflowLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisWorkflowLock{redisClient: redisClient, logger: logger}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
	logger      *slog.Logger
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if _, ok := heldLeaseToken(ctx, key); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	token := uuid.New().String()
	isLock, err := d.redisClient.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return errors.WithMessagef(err, "[redisWorkflowLock.NonBlockingSynchronized] setnx failed, key: %s", key)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer d.release(ctx, key, token)
	return f(withLeaseToken(ctx, key, token))
}

func (d *redisWorkflowLock) release(ctx context.Context, key string, token string) {
	// ctx 可能已经被cancel, 释放时不能跟着取消
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	reply, err := releaseLeaseScript.Run(releaseCtx, d.redisClient, []string{key}, token).Int64()
	if err != nil {
		d.logger.ErrorContext(ctx, "release lease failed", slog.String("key", key), slog.Any("err", err))
		return
	}
	if reply != 1 {
		// 租约已经过期
		d.logger.WarnContext(ctx, "release lease skipped, lease expired", slog.String("key", key))
	}
}
