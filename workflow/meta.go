package workflow

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

var (
	ErrWorkflowParamInvalid  = errors.New("workflow param invalid")
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowForbidden     = errors.New("workflow forbidden")
	ErrWorkflowNoNodes       = errors.New("workflow has no nodes to execute")
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")
	ErrDuplicateNodeID       = errors.New("duplicate node id")
	ErrRunNotFound           = errors.New("run not found")
	ErrRunForbidden          = errors.New("run forbidden")
	// ErrRunStatusConflict: 运行记录已经是终态，不允许再次写入
	// 场景&应用: 条件更新 status IN (running) 没有命中任何行
	ErrRunStatusConflict = errors.New("run status conflict")
	// ErrStepAlreadyOver: 步骤已经是 success 或者 failed, 同一次执行里不会再修改
	ErrStepAlreadyOver = errors.New("step already over")
	// ErrInvalidJobPayload: 队列消息缺少 workflowId 或者 runId, 直接丢到死信队列
	ErrInvalidJobPayload  = errors.New("invalid job payload")
	ErrQueueNotConfigured = errors.New("queue is not configured")
	ErrQueueClosed        = errors.New("queue is closed")
)

// 引擎写入的固定错误信息
const (
	runErrWorkflowNotFound = "Workflow not found"
)

type RunStatus = string

const (
	RunStatusRunning RunStatus = "running"
	// 完成, 终止状态, 所有节点都执行成功
	RunStatusCompleted RunStatus = "completed"
	// 失败, 终止状态, 某个节点失败或者引擎异常导致运行终止
	RunStatusFailed RunStatus = "failed"
)

func IsOverRunStatus(status RunStatus) bool {
	return status == RunStatusCompleted || status == RunStatusFailed
}

type StepStatus = string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
)

func IsOverStepStatus(status StepStatus) bool {
	return status == StepStatusSuccess || status == StepStatusFailed
}

// IsSeriousError 用于判断后台运行和队列消费的错误日志级别,
// 严重错误打error级别日志，否则打warn级别日志
// 严重错误定义：需要人工介入处理，
// 1. 存储写入失败，运行记录可能停留在running
// 2. 队列消息无法解析，永远不会成功
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, LockFailedError) ||
		errors.Is(causeErr, ErrWorkflowNotFound) ||
		errors.Is(causeErr, ErrRunStatusConflict) {
		// 重复投递或者数据已经被清理，属于可预期的情况
		return false
	}
	return true
}
