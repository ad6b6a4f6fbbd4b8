package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultRunListLimit = 20

// RunLedger 运行记录, 负责所有的状态流转, 每次修改都立即落库, 读方可以看到中间进度
type RunLedger struct {
	repo RunRepo
	now  func() time.Time
}

func NewRunLedger(repo RunRepo) *RunLedger {
	return &RunLedger{repo: repo, now: time.Now}
}

// Create 新建运行记录, status=running, 没有步骤
func (l *RunLedger) Create(ctx context.Context, workflowID string, ownerID string) (*Run, error) {
	return l.create(ctx, uuid.New().String(), workflowID, ownerID)
}

func (l *RunLedger) create(ctx context.Context, runID string, workflowID string, ownerID string) (*Run, error) {
	now := l.now().UnixMilli()
	po, err := l.repo.CreateRun(ctx, &RunPo{
		ID:         runID,
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		Status:     RunStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "create run failed, workflowID: %s", workflowID)
	}
	return assemblyRun(po, nil), nil
}

// LoadOrCreate runID 存在时重置为 running 并清空步骤和错误(重新投递的恢复路径), 否则新建
// runID 不为空但是记录不存在时, 用这个 runID 新建, 调用方拿到的 id 保持不变
func (l *RunLedger) LoadOrCreate(ctx context.Context, runID string, workflowID string, ownerID string) (*Run, error) {
	if runID == "" {
		return l.Create(ctx, workflowID, ownerID)
	}
	pos, err := l.repo.QueryRun(ctx, &QueryRunParams{
		RunID: &runID,
		Page:  &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "query run failed, runID: %s", runID)
	}
	if len(pos) == 0 {
		return l.create(ctx, runID, workflowID, ownerID)
	}

	po := pos[0]
	now := l.now().UnixMilli()
	err = l.repo.Transaction(ctx, func(ctx context.Context) error {
		if err := l.repo.DeleteRunStep(ctx, runID); err != nil {
			return err
		}
		_, err := l.repo.UpdateRun(ctx, &UpdateRunParams{
			Where: &UpdateRunWhere{IDIn: []string{runID}},
			Fields: &UpdateRunField{
				Status:     String(RunStatusRunning),
				Error:      String(""),
				DurationMs: Int64(0),
				StartedAt:  Int64(now),
				UpdatedAt:  Int64(now),
			},
		})
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reset run failed, runID: %s", runID)
	}
	po.Status = RunStatusRunning
	po.Error = ""
	po.DurationMs = 0
	po.StartedAt = now
	po.UpdatedAt = now
	return assemblyRun(po, nil), nil
}

// AppendStep 追加一个步骤并落库, 运行记录必须还是 running
func (l *RunLedger) AppendStep(ctx context.Context, run *Run, step *Step) error {
	if run == nil || step == nil {
		return errors.New("nil run or step")
	}
	step.Seq = len(run.Steps)
	now := l.now().UnixMilli()
	if step.StartedAt == 0 {
		step.StartedAt = now
	}
	err := l.repo.Transaction(ctx, func(ctx context.Context) error {
		if err := l.touchRunning(ctx, run, now); err != nil {
			return err
		}
		po, err := l.repo.CreateRunStep(ctx, &RunStepPo{
			RunID:     run.ID,
			Seq:       step.Seq,
			NodeID:    step.NodeID,
			Status:    step.Status,
			Error:     step.Error,
			StartedAt: step.StartedAt,
			EndedAt:   step.EndedAt,
		})
		if err != nil {
			return err
		}
		step.ID = po.ID
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "AppendStep failed, runID: %s, nodeID: %s", run.ID, step.NodeID)
	}
	run.Steps = append(run.Steps, step)
	run.UpdatedAt = now
	return nil
}

// UpdateLastStep 修改最后一个步骤并落库
func (l *RunLedger) UpdateLastStep(ctx context.Context, run *Run, mutator func(step *Step)) error {
	last := run.LastStep()
	if last == nil {
		return errors.Errorf("run has no steps, runID: %s", run.ID)
	}
	// 终态的步骤不再修改
	if IsOverStepStatus(last.Status) {
		return errors.Wrapf(ErrStepAlreadyOver, "UpdateLastStep failed, runID: %s, nodeID: %s, status: %s", run.ID, last.NodeID, last.Status)
	}
	mutator(last)

	fields := &UpdateRunStepField{
		Status:  String(last.Status),
		Error:   String(last.Error),
		EndedAt: Int64(last.EndedAt),
	}
	// success 的结果可能就是 null, 也要写入, 保证终态下 result 和 error 有一个有值
	if last.Result != nil || last.Status == StepStatusSuccess {
		result, err := json.Marshal(last.Result)
		if err != nil {
			return errors.WithMessagef(err, "marshal step result failed, runID: %s, nodeID: %s", run.ID, last.NodeID)
		}
		fields.Result = result
	}
	now := l.now().UnixMilli()
	err := l.repo.Transaction(ctx, func(ctx context.Context) error {
		if err := l.touchRunning(ctx, run, now); err != nil {
			return err
		}
		return l.repo.UpdateRunStep(ctx, &UpdateRunStepParams{
			Where:  &UpdateRunStepWhere{IDIn: []int64{last.ID}},
			Fields: fields,
		})
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateLastStep failed, runID: %s, nodeID: %s", run.ID, last.NodeID)
	}
	run.UpdatedAt = now
	return nil
}

// Finalize 写入终态, duration 为本次尝试开始到现在的时间
// 只有 running 的记录可以写入, 否则返回 ErrRunStatusConflict
func (l *RunLedger) Finalize(ctx context.Context, run *Run, status RunStatus, errMsg string) error {
	if !IsOverRunStatus(status) {
		return errors.Wrapf(ErrWorkflowParamInvalid, "finalize with non terminal status: %s", status)
	}
	if status == RunStatusCompleted {
		errMsg = ""
	}
	now := l.now()
	durationMs := now.UnixMilli() - run.StartedAt
	if durationMs < 0 {
		durationMs = 0
	}
	affected, err := l.repo.UpdateRun(ctx, &UpdateRunParams{
		Where: &UpdateRunWhere{IDIn: []string{run.ID}, StatusIn: []string{RunStatusRunning}},
		Fields: &UpdateRunField{
			Status:     String(status),
			Error:      String(errMsg),
			DurationMs: Int64(durationMs),
			UpdatedAt:  Int64(now.UnixMilli()),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "Finalize failed, runID: %s", run.ID)
	}
	if affected == 0 {
		return errors.WithMessagef(ErrRunStatusConflict, "Finalize failed, runID: %s", run.ID)
	}
	run.Status = status
	run.Error = errMsg
	run.DurationMs = durationMs
	run.UpdatedAt = now.UnixMilli()
	return nil
}

// MarkFailed 尽力写入 failed, 调用方的 ctx 被取消也要写
func (l *RunLedger) MarkFailed(ctx context.Context, run *Run, errMsg string) error {
	return l.Finalize(context.WithoutCancel(ctx), run, RunStatusFailed, errMsg)
}

// Get 查询运行记录和全部步骤
func (l *RunLedger) Get(ctx context.Context, runID string) (*Run, error) {
	pos, err := l.repo.QueryRun(ctx, &QueryRunParams{
		RunID: &runID,
		Page:  &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "query run failed, runID: %s", runID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrRunNotFound, "runID: %s", runID)
	}
	stepPos, err := l.repo.QueryRunStep(ctx, &QueryRunStepParams{RunID: runID})
	if err != nil {
		return nil, errors.WithMessagef(err, "query run steps failed, runID: %s", runID)
	}
	return assemblyRun(pos[0], stepPos), nil
}

// ListByWorkflow 按创建时间倒序返回摘要, 不带步骤; limit<=0 时取默认值
func (l *RunLedger) ListByWorkflow(ctx context.Context, workflowID string, ownerID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	param := &QueryRunParams{
		WorkflowID:         &workflowID,
		OrderbyCreatedDesc: Bool(true),
		Page:               &Pager{Page: 1, Size: int64(limit)},
	}
	if ownerID != "" {
		param.OwnerID = &ownerID
	}
	pos, err := l.repo.QueryRun(ctx, param)
	if err != nil {
		return nil, errors.WithMessagef(err, "ListByWorkflow failed, workflowID: %s", workflowID)
	}
	runs := make([]*Run, 0, len(pos))
	for _, po := range pos {
		runs = append(runs, assemblyRun(po, nil))
	}
	return runs, nil
}

// touchRunning 刷新 updated_at, 同时确认记录还是 running
func (l *RunLedger) touchRunning(ctx context.Context, run *Run, now int64) error {
	affected, err := l.repo.UpdateRun(ctx, &UpdateRunParams{
		Where:  &UpdateRunWhere{IDIn: []string{run.ID}, StatusIn: []string{RunStatusRunning}},
		Fields: &UpdateRunField{UpdatedAt: Int64(now)},
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.WithMessagef(ErrRunStatusConflict, "runID: %s", run.ID)
	}
	return nil
}
