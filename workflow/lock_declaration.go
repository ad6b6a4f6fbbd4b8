package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// LockFailedError 租约被其他执行者持有
	LockFailedError = errors.New("lock failed")
)

const runLeaseKeyPrefix = "flowrun:lease:run:"

// runLeaseKey 运行记录的租约key, 同一个 runID 同时只允许一个执行尝试
func runLeaseKey(runID string) string {
	return runLeaseKeyPrefix + runID
}

type leaseCtxKey string

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 LockFailedError
	//                 2.可以重入锁, ctx 中已经持有同一个 key 时直接执行
	//                 3.ttl 到期后租约自动失效, 防止进程崩溃后永远锁住
	//  @param ctx 原来的ctx
	//  @param key 租约的key
	//  @param ttl 租约最长的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error
}

func heldLeaseToken(ctx context.Context, key string) (string, bool) {
	token, ok := ctx.Value(leaseCtxKey(key)).(string)
	return token, ok && token != ""
}

func withLeaseToken(ctx context.Context, key string, token string) context.Context {
	return context.WithValue(ctx, leaseCtxKey(key), token)
}
