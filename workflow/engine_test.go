package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_AllNodesSucceed(t *testing.T) {
	env := newTestEnv(t)
	server := newTestHTTPServer(t)
	ctx := context.Background()
	wf := env.createWorkflow(t, "u1",
		textNode("t1", "hi"),
		delayNode("d1", 50),
		httpNode("h1", server.URL+"/json"),
		httpNode("h2", server.URL+"/text"),
	)

	run, err := env.engine.Run(ctx, wf.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Empty(t, run.Error)

	loaded, err := env.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, loaded.Status)
	require.Len(t, loaded.Steps, 4)
	for i, step := range loaded.Steps {
		assert.Equal(t, StepStatusSuccess, step.Status)
		assert.Equal(t, wf.Nodes[i].ID, step.NodeID)
		assert.Empty(t, step.Error)
		if i > 0 {
			// 后一个步骤的开始时间不早于前一个步骤的结束时间
			assert.GreaterOrEqual(t, step.StartedAt, loaded.Steps[i-1].EndedAt)
		}
	}
	assert.Equal(t, "hi", loaded.Steps[0].Result)
	assert.Equal(t, "done", loaded.Steps[1].Result)
	assert.GreaterOrEqual(t, loaded.Steps[1].EndedAt-loaded.Steps[1].StartedAt, int64(50))
	assert.Equal(t, map[string]any{"a": float64(1)}, loaded.Steps[2].Result)
	assert.Equal(t, "plain body", loaded.Steps[3].Result)
	assert.GreaterOrEqual(t, loaded.DurationMs, int64(50))
}

func TestEngine_StopOnFirstFailure(t *testing.T) {
	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("第%d个节点失败", k), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			nodes := make([]*CreateNodeReq, 0, 3)
			for i := 1; i <= 3; i++ {
				id := fmt.Sprintf("n%d", i)
				if i == k {
					nodes = append(nodes, rawNode(id, "foo"))
				} else {
					nodes = append(nodes, textNode(id, id))
				}
			}
			wf := env.createWorkflow(t, "u1", nodes...)

			run, err := env.engine.Run(ctx, wf.ID, "u1", "")
			require.NoError(t, err)

			loaded, err := env.ledger.Get(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunStatusFailed, loaded.Status)
			require.Len(t, loaded.Steps, k)
			for i := 0; i < k-1; i++ {
				assert.Equal(t, StepStatusSuccess, loaded.Steps[i].Status)
			}
			last := loaded.Steps[k-1]
			assert.Equal(t, StepStatusFailed, last.Status)
			assert.Contains(t, last.Error, "Unsupported node type: foo")
			assert.Nil(t, last.Result)
			assert.Equal(t, fmt.Sprintf("Node n%d failed: Unsupported node type: foo", k), loaded.Error)
		})
	}
}

func TestEngine_HTTPFailureHalts(t *testing.T) {
	env := newTestEnv(t)
	server := newTestHTTPServer(t)
	ctx := context.Background()
	wf := env.createWorkflow(t, "u1",
		textNode("t1", "hi"),
		httpNode("h1", server.URL+"/missing"),
		textNode("t2", "never"),
	)

	run, err := env.engine.Run(ctx, wf.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)

	loaded, err := env.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, StepStatusFailed, loaded.Steps[1].Status)
	assert.Contains(t, loaded.Steps[1].Error, "404")
	assert.True(t, strings.HasPrefix(loaded.Error, "Node h1 failed: HTTP 404"))
}

func TestEngine_IdempotentResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.createWorkflow(t, "u1", textNode("a", "1"), textNode("b", "2"))

	run, err := env.ledger.Create(ctx, wf.ID, "u1")
	require.NoError(t, err)

	first, err := env.engine.Run(ctx, wf.ID, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, first.ID)

	second, err := env.engine.Run(ctx, wf.ID, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, second.ID)

	loaded, err := env.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, loaded.Status)
	require.Len(t, loaded.Steps, 2, "步骤被覆盖而不是重复追加")
	assert.Equal(t, "a", loaded.Steps[0].NodeID)
	assert.Equal(t, "b", loaded.Steps[1].NodeID)
}

func TestEngine_ResumeOverwritesFailedAttempt(t *testing.T) {
	env := newTestEnv(t)
	server := newTestHTTPServer(t)
	ctx := context.Background()
	wf := env.createWorkflow(t, "u1", textNode("a", "1"), httpNode("h", server.URL+"/missing"))

	first, err := env.engine.Run(ctx, wf.ID, "u1", "")
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, first.Status)

	// 第二次执行时工作流已经被修复, 只反映第二次的结果
	require.NoError(t, env.db.Model(&WorkflowNodePo{}).
		Where("workflow_id = ? AND node_id = ?", wf.ID, "h").
		Update("config", []byte(`{"url":"`+server.URL+`/text"}`)).Error)

	second, err := env.engine.Run(ctx, wf.ID, "u1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, second.Status)

	loaded, err := env.ledger.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, loaded.Status)
	assert.Empty(t, loaded.Error)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, "plain body", loaded.Steps[1].Result)
}

func TestEngine_WorkflowNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.engine.Run(ctx, "missing", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, "Workflow not found", run.Error)

	loaded, err := env.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, loaded.Status)
	assert.Equal(t, "Workflow not found", loaded.Error)
	assert.Empty(t, loaded.Steps)
}

func TestEngine_LedgerFailureIsFatal(t *testing.T) {
	db := newTestDB(t)
	repo := &failingRunRepo{RunRepo: NewRunRepo(db)}
	ledger := NewRunLedger(repo)
	workflowRepo := NewWorkflowRepo(db)
	engine := NewEngine(workflowRepo, ledger, NewNodeExecutor(), WithEngineLogger(discardLogger()))
	ctx := context.Background()

	wf, err := workflowRepo.CreateWorkflow(ctx, &CreateWorkflowReq{Name: "wf", OwnerID: "u1", Nodes: []*CreateNodeReq{textNode("a", "1")}})
	require.NoError(t, err)

	repo.failCreateStep.Store(true)
	run, err := engine.Run(ctx, wf.ID, "u1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, run)

	// 尽力写入 failed
	loaded, err := ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, loaded.Status)
	assert.Contains(t, loaded.Error, "disk full")
}

func TestEngine_LeaseConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.createWorkflow(t, "u1", textNode("a", "1"))
	run, err := env.ledger.Create(ctx, wf.ID, "u1")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.lock.NonBlockingSynchronized(ctx, runLeaseKey(run.ID), time.Minute, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, err = env.engine.Run(ctx, wf.ID, "u1", run.ID)
	assert.True(t, errors.Is(err, LockFailedError))
	assert.False(t, IsSeriousError(err))

	loaded, err := env.ledger.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, loaded.Status, "拿不到租约时不修改运行记录")
	assert.Empty(t, loaded.Steps)

	close(release)
	require.NoError(t, <-done)

	_, err = env.engine.Run(ctx, wf.ID, "u1", run.ID)
	require.NoError(t, err)
}
