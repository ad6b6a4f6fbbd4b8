package workflow

import (
	"context"
)

// WorkflowRepo 工作流存储, 对引擎只读; 写入只给 seed 使用
type WorkflowRepo interface {
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
	ListWorkflows(ctx context.Context, ownerID string) ([]*Workflow, error)
	CreateWorkflow(ctx context.Context, req *CreateWorkflowReq) (*Workflow, error)
}

// RunRepo 运行记录存储, 所有写入立即落库
type RunRepo interface {
	CreateRun(ctx context.Context, run *RunPo) (*RunPo, error)
	QueryRun(ctx context.Context, param *QueryRunParams) ([]*RunPo, error)
	// UpdateRun 返回命中的行数, 配合 Where.StatusIn 做条件更新
	UpdateRun(ctx context.Context, param *UpdateRunParams) (int64, error)
	CreateRunStep(ctx context.Context, step *RunStepPo) (*RunStepPo, error)
	QueryRunStep(ctx context.Context, param *QueryRunStepParams) ([]*RunStepPo, error)
	UpdateRunStep(ctx context.Context, param *UpdateRunStepParams) error
	DeleteRunStep(ctx context.Context, runID string) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
