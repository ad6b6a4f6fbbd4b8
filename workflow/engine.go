package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/blingmoon/flowrun/workflow"
	defaultLeaseTTL        = 10 * time.Minute
	nodeFailedErrorPattern = "Node %s failed: %s"
)

// Engine 顺序执行工作流节点, 第一个失败的节点之后不再执行
type Engine struct {
	workflowRepo WorkflowRepo
	ledger       *RunLedger
	executor     NodeExecutor
	lock         WorkflowLock
	leaseTTL     time.Duration
	logger       *slog.Logger

	tracer       trace.Tracer
	runCounter   metric.Int64Counter
	nodeCounter  metric.Int64Counter
	runDurations metric.Int64Histogram
}

type EngineOption func(*Engine)

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRunLease 设置运行记录的租约, 同一个 runID 同时只允许一个执行尝试
func WithRunLease(lock WorkflowLock, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if lock != nil {
			e.lock = lock
		}
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

func WithTracerProvider(provider trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		if provider != nil {
			e.tracer = provider.Tracer(instrumentationName)
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) EngineOption {
	return func(e *Engine) {
		if provider != nil {
			e.initMetrics(provider.Meter(instrumentationName))
		}
	}
}

func NewEngine(workflowRepo WorkflowRepo, ledger *RunLedger, executor NodeExecutor, opts ...EngineOption) *Engine {
	e := &Engine{
		workflowRepo: workflowRepo,
		ledger:       ledger,
		executor:     executor,
		leaseTTL:     defaultLeaseTTL,
		logger:       slog.Default(),
		tracer:       otel.GetTracerProvider().Tracer(instrumentationName),
	}
	e.initMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	for _, opt := range opts {
		opt(e)
	}
	if e.lock == nil {
		e.lock = NewLocalWorkflowLock(e.logger)
	}
	if e.executor == nil {
		e.executor = NewNodeExecutor()
	}
	return e
}

func (e *Engine) initMetrics(meter metric.Meter) {
	var err error
	e.runCounter, err = meter.Int64Counter("flowrun.runs",
		metric.WithDescription("finished run attempts by status"))
	if err != nil {
		e.logger.Warn("create runs counter failed", slog.Any("err", err))
	}
	e.nodeCounter, err = meter.Int64Counter("flowrun.node_executions",
		metric.WithDescription("node executions by type and status"))
	if err != nil {
		e.logger.Warn("create node counter failed", slog.Any("err", err))
	}
	e.runDurations, err = meter.Int64Histogram("flowrun.run.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("run attempt duration"))
	if err != nil {
		e.logger.Warn("create run duration histogram failed", slog.Any("err", err))
	}
}

// Run 执行一次工作流
// existingRunID 不为空时先拿到这个 runID 的租约, 拿不到返回 LockFailedError, 运行记录不会被修改
// 节点失败属于预期内的结果, 返回 failed 的 Run 和 nil
// 存储异常时尽力把运行记录标记为 failed, 然后返回原始错误, 此时 Run 可能不为空
func (e *Engine) Run(ctx context.Context, workflowID string, ownerID string, existingRunID string) (*Run, error) {
	if existingRunID == "" {
		return e.run(ctx, workflowID, ownerID, "")
	}
	var run *Run
	err := e.lock.NonBlockingSynchronized(ctx, runLeaseKey(existingRunID), e.leaseTTL, func(ctx context.Context) error {
		var err error
		run, err = e.run(ctx, workflowID, ownerID, existingRunID)
		return err
	})
	return run, err
}

func (e *Engine) run(ctx context.Context, workflowID string, ownerID string, existingRunID string) (*Run, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("run.id", existingRunID),
	))
	defer span.End()

	run, err := e.ledger.LoadOrCreate(ctx, existingRunID, workflowID, ownerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.WithMessagef(err, "load run failed, workflowID: %s", workflowID)
	}
	span.SetAttributes(attribute.String("run.id", run.ID))

	if err := e.execute(ctx, run, workflowID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !IsOverRunStatus(run.Status) {
			if markErr := e.ledger.MarkFailed(ctx, run, err.Error()); markErr != nil {
				e.logger.ErrorContext(ctx, "mark run failed failed",
					slog.String("run_id", run.ID), slog.Any("err", markErr))
			}
		}
		e.record(ctx, run)
		return run, err
	}

	if run.Status == RunStatusFailed {
		span.SetStatus(codes.Error, run.Error)
	}
	e.record(ctx, run)
	e.logger.InfoContext(ctx, "run finished",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", workflowID),
		slog.String("status", run.Status),
		slog.Int("steps", len(run.Steps)),
		slog.Int64("duration_ms", run.DurationMs),
	)
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *Run, workflowID string) error {
	workflow, err := e.workflowRepo.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return e.ledger.Finalize(ctx, run, RunStatusFailed, runErrWorkflowNotFound)
		}
		return errors.WithMessagef(err, "GetWorkflow failed, workflowID: %s", workflowID)
	}

	for _, node := range workflow.Nodes {
		failMsg, err := e.executeNode(ctx, run, node)
		if err != nil {
			return err
		}
		if failMsg != "" {
			// 第一个失败的节点之后不再执行, 已经成功的步骤保留
			return e.ledger.Finalize(ctx, run, RunStatusFailed, fmt.Sprintf(nodeFailedErrorPattern, node.ID, failMsg))
		}
	}
	return e.ledger.Finalize(ctx, run, RunStatusCompleted, "")
}

// executeNode 节点失败时返回失败信息, 只有存储异常才返回 error
func (e *Engine) executeNode(ctx context.Context, run *Run, node *Node) (string, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	))
	defer span.End()

	step := &Step{NodeID: node.ID, Status: StepStatusRunning}
	if err := e.ledger.AppendStep(ctx, run, step); err != nil {
		return "", err
	}

	output, execErr := e.executor.Execute(ctx, node)
	endedAt := e.ledger.now().UnixMilli()
	if execErr == nil {
		e.countNode(ctx, node, StepStatusSuccess)
		return "", e.ledger.UpdateLastStep(ctx, run, func(step *Step) {
			step.Status = StepStatusSuccess
			step.Result = output
			step.EndedAt = endedAt
		})
	}

	failMsg := execErr.Error()
	span.RecordError(execErr)
	span.SetStatus(codes.Error, failMsg)
	e.countNode(ctx, node, StepStatusFailed)
	e.logger.WarnContext(ctx, "node failed",
		slog.String("run_id", run.ID),
		slog.String("node_id", node.ID),
		slog.String("node_type", node.Type),
		slog.String("err", failMsg),
	)
	err := e.ledger.UpdateLastStep(ctx, run, func(step *Step) {
		step.Status = StepStatusFailed
		step.Error = failMsg
		step.EndedAt = endedAt
	})
	return failMsg, err
}

func (e *Engine) countNode(ctx context.Context, node *Node, status StepStatus) {
	if e.nodeCounter == nil {
		return
	}
	e.nodeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node.type", node.Type),
		attribute.String("status", status),
	))
}

func (e *Engine) record(ctx context.Context, run *Run) {
	attrs := metric.WithAttributes(attribute.String("status", run.Status))
	if e.runCounter != nil {
		e.runCounter.Add(ctx, 1, attrs)
	}
	if e.runDurations != nil && IsOverRunStatus(run.Status) {
		e.runDurations.Record(ctx, run.DurationMs, attrs)
	}
}
