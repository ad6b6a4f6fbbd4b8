package workflow

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

type DispatchReq struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	OwnerID    string `json:"owner_id" validate:"required"`
}

type DispatchResult struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
	Queued bool      `json:"queued"`
}

// Dispatcher 同步创建运行记录, 然后投递到队列或者进程内后台执行
// 入队失败时退化为进程内执行, 两条路径只会有一个执行尝试
type Dispatcher struct {
	workflowRepo WorkflowRepo
	ledger       *RunLedger
	engine       *Engine
	background   *BackgroundRunner
	queue        JobQueue
	logger       *slog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithJobQueue 为空时全部在进程内执行
func WithJobQueue(queue JobQueue) DispatcherOption {
	return func(d *Dispatcher) {
		d.queue = queue
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDispatcher(workflowRepo WorkflowRepo, ledger *RunLedger, engine *Engine, background *BackgroundRunner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		workflowRepo: workflowRepo,
		ledger:       ledger,
		engine:       engine,
		background:   background,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.background == nil {
		d.background = NewBackgroundRunner(defaultBackgroundConcurrency, d.logger)
	}
	return d
}

// Dispatch 校验工作流存在, 属于调用方并且至少有一个节点, 失败时不会创建运行记录
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchReq) (*DispatchResult, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil DispatchReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "Dispatch failed, err: %v", err)
	}
	workflow, err := d.workflowRepo.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "Dispatch failed, workflowID: %s", req.WorkflowID)
	}
	if workflow.OwnerID != req.OwnerID {
		return nil, errors.WithMessagef(ErrWorkflowForbidden, "workflowID: %s", req.WorkflowID)
	}
	if len(workflow.Nodes) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowNoNodes, "workflowID: %s", req.WorkflowID)
	}

	run, err := d.ledger.Create(ctx, workflow.ID, req.OwnerID)
	if err != nil {
		return nil, errors.WithMessagef(err, "Dispatch failed, workflowID: %s", req.WorkflowID)
	}
	result := &DispatchResult{RunID: run.ID, Status: run.Status}

	if d.queue != nil {
		err := d.queue.Enqueue(ctx, &RunJob{WorkflowID: workflow.ID, UserID: req.OwnerID, RunID: run.ID})
		if err == nil {
			result.Queued = true
			return result, nil
		}
		d.logger.WarnContext(ctx, "enqueue run failed, fallback to in-process",
			slog.String("run_id", run.ID), slog.Any("err", err))
	}

	if err := d.runInProcess(workflow.ID, req.OwnerID, run.ID); err != nil {
		if markErr := d.ledger.MarkFailed(ctx, run, err.Error()); markErr != nil {
			d.logger.ErrorContext(ctx, "mark run failed failed", slog.String("run_id", run.ID), slog.Any("err", markErr))
		}
		return nil, errors.WithMessagef(err, "Dispatch failed, runID: %s", run.ID)
	}
	return result, nil
}

func (d *Dispatcher) runInProcess(workflowID string, ownerID string, runID string) error {
	return d.background.Submit("run:"+runID, func(ctx context.Context) error {
		_, err := d.engine.Run(ctx, workflowID, ownerID, runID)
		return err
	})
}
