package api

import (
	"encoding/json"
	"time"

	"github.com/blingmoon/flowrun/workflow"
)

type workflowRefResp struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type stepResp struct {
	NodeID    string          `json:"nodeId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt"`
}

type runDetailResp struct {
	ID         string           `json:"id"`
	Workflow   *workflowRefResp `json:"workflow"`
	Status     string           `json:"status"`
	Error      *string          `json:"error"`
	CreatedAt  *time.Time       `json:"createdAt"`
	UpdatedAt  *time.Time       `json:"updatedAt"`
	DurationMs *int64           `json:"durationMs"`
	Steps      []*stepResp      `json:"steps"`
}

type runSummaryResp struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Error      *string    `json:"error"`
	CreatedAt  *time.Time `json:"createdAt"`
	DurationMs *int64     `json:"durationMs"`
}

func newRunDetailResp(detail *workflow.RunDetailEntity) *runDetailResp {
	run := detail.Run
	resp := &runDetailResp{
		ID:         run.ID,
		Workflow:   &workflowRefResp{ID: run.WorkflowID, Name: detail.WorkflowName},
		Status:     run.Status,
		Error:      optionalString(run.Error),
		CreatedAt:  msToTime(run.CreatedAt),
		UpdatedAt:  msToTime(run.UpdatedAt),
		DurationMs: duration(run),
		Steps:      make([]*stepResp, 0, len(run.Steps)),
	}
	for _, step := range run.Steps {
		resp.Steps = append(resp.Steps, &stepResp{
			NodeID:    step.NodeID,
			Status:    step.Status,
			Result:    stepResult(step),
			Error:     step.Error,
			StartedAt: msToTime(step.StartedAt),
			EndedAt:   msToTime(step.EndedAt),
		})
	}
	return resp
}

// stepResult success 的步骤总是带 result, 结果本身为空时输出 null
func stepResult(step *workflow.Step) json.RawMessage {
	if step.Status != workflow.StepStatusSuccess && step.Result == nil {
		return nil
	}
	b, err := json.Marshal(step.Result)
	if err != nil {
		return nil
	}
	return b
}

func newRunSummaryResp(run *workflow.Run) *runSummaryResp {
	return &runSummaryResp{
		ID:         run.ID,
		Status:     run.Status,
		Error:      optionalString(run.Error),
		CreatedAt:  msToTime(run.CreatedAt),
		DurationMs: duration(run),
	}
}

// duration 只有终态才返回
func duration(run *workflow.Run) *int64 {
	if !workflow.IsOverRunStatus(run.Status) {
		return nil
	}
	d := run.DurationMs
	return &d
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func msToTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
