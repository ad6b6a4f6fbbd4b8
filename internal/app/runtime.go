package app

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/blingmoon/flowrun/internal/config"
	"github.com/blingmoon/flowrun/internal/database"
	"github.com/blingmoon/flowrun/workflow"
)

// Runtime 进程内所有组件, 由 serve 和 worker 共用
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *gorm.DB
	Redis      redis.UniversalClient // 没有用到 redis 时为空
	Queue      workflow.JobQueue     // 队列关闭或者不可用时为空
	Engine     *workflow.Engine
	Background *workflow.BackgroundRunner
	Service    workflow.RunService
	Consumer   *workflow.QueueConsumer // Queue 为空时为空
}

type Options struct {
	// RequireQueue redis 不可用时直接失败, 而不是退化为进程内执行
	RequireQueue bool
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, DB: db}

	if cfg.UseRedis() {
		client, err := newRedisClient(cfg)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		rt.Redis = client
	}

	if cfg.Queue.Enabled {
		queue := workflow.NewRedisJobQueue(rt.Redis, cfg.Queue.Name)
		if err := queue.Ping(ctx); err != nil {
			if opts.RequireQueue {
				_ = rt.Close(ctx)
				return nil, errors.WithMessage(err, "queue is not reachable")
			}
			logger.WarnContext(ctx, "queue is not reachable, runs will execute in-process", slog.Any("err", err))
		} else {
			rt.Queue = queue
		}
	} else if opts.RequireQueue {
		_ = rt.Close(ctx)
		return nil, workflow.ErrQueueNotConfigured
	}

	var lock workflow.WorkflowLock
	if cfg.Lock.Driver == "redis" {
		lock = workflow.NewRedisWorkflowLock(rt.Redis, logger)
	} else {
		lock = workflow.NewLocalWorkflowLock(logger)
	}

	workflowRepo := workflow.NewWorkflowRepo(db)
	ledger := workflow.NewRunLedger(workflow.NewRunRepo(db))
	executor := workflow.NewNodeExecutor(workflow.WithHTTPTimeout(cfg.Engine.HTTPTimeout))
	rt.Engine = workflow.NewEngine(workflowRepo, ledger, executor,
		workflow.WithEngineLogger(logger),
		workflow.WithRunLease(lock, cfg.Engine.LeaseTTL),
	)
	rt.Background = workflow.NewBackgroundRunner(cfg.Engine.BackgroundConcurrency, logger)

	dispatcherOpts := []workflow.DispatcherOption{workflow.WithDispatcherLogger(logger)}
	if rt.Queue != nil {
		dispatcherOpts = append(dispatcherOpts, workflow.WithJobQueue(rt.Queue))
		rt.Consumer = workflow.NewQueueConsumer(rt.Queue, rt.Engine,
			workflow.WithConsumerLogger(logger),
			workflow.WithConsumerConcurrency(cfg.Queue.Concurrency),
			workflow.WithConsumerPollWait(cfg.Queue.PollWait),
			workflow.WithRecoverOnStart(cfg.Queue.RecoverOnStart),
		)
	}
	dispatcher := workflow.NewDispatcher(workflowRepo, ledger, rt.Engine, rt.Background, dispatcherOpts...)
	rt.Service = workflow.NewRunService(workflowRepo, ledger, rt.Engine, dispatcher)
	return rt, nil
}

// Close 依次停止消费, 等待后台任务, 关闭队列和数据库
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Consumer != nil {
		if err := rt.Consumer.Stop(ctx); err != nil {
			errs = append(errs, errors.WithMessage(err, "stop consumer"))
		}
	}
	if rt.Background != nil {
		if err := rt.Background.Stop(ctx); err != nil {
			errs = append(errs, errors.WithMessage(err, "stop background runner"))
		}
	}
	if rt.Redis != nil {
		// 队列和租约共用一个 client
		if err := rt.Redis.Close(); err != nil {
			errs = append(errs, errors.WithMessage(err, "close redis"))
		}
	}
	if rt.DB != nil {
		if err := database.Close(rt.DB); err != nil {
			errs = append(errs, errors.WithMessage(err, "close database"))
		}
	}
	for _, err := range errs[min(1, len(errs)):] {
		rt.Logger.ErrorContext(ctx, "close runtime failed", slog.Any("err", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func newRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, errors.WithMessage(err, "parse redis url failed")
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), nil
}
