package workflow

import (
	"encoding/json"
)

// Run 一次工作流执行的记录entity
type Run struct {
	ID         string
	WorkflowID string
	OwnerID    string
	Status     RunStatus
	Error      string // 只有 failed 才有值
	Steps      []*Step
	DurationMs int64 // 终态之后才有意义
	StartedAt  int64 // 本次执行尝试的开始时间
	CreatedAt  int64
	UpdatedAt  int64
}

// Step 单个节点的执行结果, Result 和 Error 在终态下只有一个有值
type Step struct {
	ID        int64
	Seq       int
	NodeID    string
	Status    StepStatus
	Result    any
	Error     string
	StartedAt int64
	EndedAt   int64
}

// LastStep 返回最后一个步骤, 没有步骤时返回 nil
func (r *Run) LastStep() *Step {
	if r == nil || len(r.Steps) == 0 {
		return nil
	}
	return r.Steps[len(r.Steps)-1]
}

func assemblyRun(po *RunPo, stepPos []*RunStepPo) *Run {
	run := &Run{
		ID:         po.ID,
		WorkflowID: po.WorkflowID,
		OwnerID:    po.OwnerID,
		Status:     po.Status,
		Error:      po.Error,
		Steps:      make([]*Step, 0, len(stepPos)),
		DurationMs: po.DurationMs,
		StartedAt:  po.StartedAt,
		CreatedAt:  po.CreatedAt,
		UpdatedAt:  po.UpdatedAt,
	}
	for _, stepPo := range stepPos {
		run.Steps = append(run.Steps, assemblyStep(stepPo))
	}
	return run
}

func assemblyStep(po *RunStepPo) *Step {
	step := &Step{
		ID:        po.ID,
		Seq:       po.Seq,
		NodeID:    po.NodeID,
		Status:    po.Status,
		Error:     po.Error,
		StartedAt: po.StartedAt,
		EndedAt:   po.EndedAt,
	}
	if len(po.Result) > 0 {
		var result any
		if err := json.Unmarshal(po.Result, &result); err == nil {
			step.Result = result
		} else {
			step.Result = string(po.Result)
		}
	}
	return step
}
