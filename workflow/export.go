package workflow

import (
	"context"

	"github.com/pkg/errors"
)

type RunService interface {
	/**
	 * @description: 发起一次运行, 同步创建运行记录后立即返回, 执行在队列或者后台进行
	 *				 工作流不存在返回 ErrWorkflowNotFound, 不属于调用方返回 ErrWorkflowForbidden,
	 *				 没有节点返回 ErrWorkflowNoNodes, 这三种情况都不会创建运行记录
	 * @param ctx context.Context
	 * @param req *DispatchReq
	 * @return *DispatchResult, error
	 */
	Dispatch(ctx context.Context, req *DispatchReq) (*DispatchResult, error)
	/**
	 * @description: 查询运行详情, 包括全部步骤, 执行中也可以查询到已经完成的步骤
	 * @param ctx context.Context
	 * @param runID string
	 * @param ownerID string 不是运行记录的所有者返回 ErrRunForbidden
	 * @return *RunDetailEntity, error
	 */
	GetRunDetail(ctx context.Context, runID string, ownerID string) (*RunDetailEntity, error)
	/**
	 * @description: 查询工作流的运行记录, 按创建时间倒序, 不带步骤
	 * @param ctx context.Context
	 * @param workflowID string
	 * @param ownerID string
	 * @param limit int <=0 时默认 20
	 * @return []*Run, error
	 */
	ListWorkflowRuns(ctx context.Context, workflowID string, ownerID string, limit int) ([]*Run, error)
	/**
	 * @description: 同步执行一次运行, 直到终态才返回
	 *				 existingRunID 不为空时清空之前的步骤重新执行, 同一个 runID 同时只能有一个执行
	 * @param ctx context.Context
	 * @param req *ExecuteRunReq
	 * @return *Run, error
	 */
	ExecuteRun(ctx context.Context, req *ExecuteRunReq) (*Run, error)
	/**
	 * @description: 创建工作流, 只给 seed 使用
	 * @param ctx context.Context
	 * @param req *CreateWorkflowReq
	 * @return *Workflow, error
	 */
	CreateWorkflow(ctx context.Context, req *CreateWorkflowReq) (*Workflow, error)
}

// RunDetailEntity 运行详情, 工作流已经被删除时 WorkflowName 为空
type RunDetailEntity struct {
	Run          *Run
	WorkflowName string
}

type ExecuteRunReq struct {
	WorkflowID    string `json:"workflow_id" validate:"required"`
	OwnerID       string `json:"owner_id" validate:"required"`
	ExistingRunID string `json:"existing_run_id"`
}

// RunServiceImpl 运行服务
type RunServiceImpl struct {
	workflowRepo WorkflowRepo
	ledger       *RunLedger
	engine       *Engine
	dispatcher   *Dispatcher
}

func NewRunService(workflowRepo WorkflowRepo, ledger *RunLedger, engine *Engine, dispatcher *Dispatcher) RunService {
	return &RunServiceImpl{
		workflowRepo: workflowRepo,
		ledger:       ledger,
		engine:       engine,
		dispatcher:   dispatcher,
	}
}

func (s *RunServiceImpl) Dispatch(ctx context.Context, req *DispatchReq) (*DispatchResult, error) {
	return s.dispatcher.Dispatch(ctx, req)
}

func (s *RunServiceImpl) GetRunDetail(ctx context.Context, runID string, ownerID string) (*RunDetailEntity, error) {
	run, err := s.ledger.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != ownerID {
		return nil, errors.WithMessagef(ErrRunForbidden, "runID: %s", runID)
	}
	detail := &RunDetailEntity{Run: run}
	// 工作流名称只是展示用, 查不到也不影响
	if workflow, err := s.workflowRepo.GetWorkflow(ctx, run.WorkflowID); err == nil {
		detail.WorkflowName = workflow.Name
	}
	return detail, nil
}

func (s *RunServiceImpl) ListWorkflowRuns(ctx context.Context, workflowID string, ownerID string, limit int) ([]*Run, error) {
	if _, err := s.checkWorkflowOwner(ctx, workflowID, ownerID); err != nil {
		return nil, err
	}
	return s.ledger.ListByWorkflow(ctx, workflowID, ownerID, limit)
}

func (s *RunServiceImpl) ExecuteRun(ctx context.Context, req *ExecuteRunReq) (*Run, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil ExecuteRunReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ExecuteRun failed, err: %v", err)
	}
	workflow, err := s.checkWorkflowOwner(ctx, req.WorkflowID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(workflow.Nodes) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowNoNodes, "workflowID: %s", req.WorkflowID)
	}
	// 运行一旦开始就不能取消, 调用方断开连接也要执行到结束
	return s.engine.Run(context.WithoutCancel(ctx), req.WorkflowID, req.OwnerID, req.ExistingRunID)
}

func (s *RunServiceImpl) CreateWorkflow(ctx context.Context, req *CreateWorkflowReq) (*Workflow, error) {
	return s.workflowRepo.CreateWorkflow(ctx, req)
}

func (s *RunServiceImpl) checkWorkflowOwner(ctx context.Context, workflowID string, ownerID string) (*Workflow, error) {
	workflow, err := s.workflowRepo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.OwnerID != ownerID {
		return nil, errors.WithMessagef(ErrWorkflowForbidden, "workflowID: %s", workflowID)
	}
	return workflow, nil
}
