package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/flowrun/internal/database"
	"github.com/blingmoon/flowrun/workflow"
)

type apiEnv struct {
	service workflow.RunService
	server  *echo.Echo
}

func newAPIEnv(t *testing.T, queuePing func(ctx context.Context) error) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(database.DriverSqlite, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	workflowRepo := workflow.NewWorkflowRepo(db)
	ledger := workflow.NewRunLedger(workflow.NewRunRepo(db))
	engine := workflow.NewEngine(workflowRepo, ledger, workflow.NewNodeExecutor(),
		workflow.WithEngineLogger(logger),
		workflow.WithRunLease(workflow.NewLocalWorkflowLock(logger), time.Minute),
	)
	background := workflow.NewBackgroundRunner(4, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = background.Stop(ctx)
		_ = database.Close(db)
	})
	dispatcher := workflow.NewDispatcher(workflowRepo, ledger, engine, background, workflow.WithDispatcherLogger(logger))
	service := workflow.NewRunService(workflowRepo, ledger, engine, dispatcher)
	return &apiEnv{
		service: service,
		server:  NewServer(NewHandler(service, queuePing, logger), logger),
	}
}

func (env *apiEnv) do(t *testing.T, method string, path string, owner string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func (env *apiEnv) createWorkflow(t *testing.T, owner string, nodes ...*workflow.CreateNodeReq) *workflow.Workflow {
	t.Helper()
	wf, err := env.service.CreateWorkflow(context.Background(), &workflow.CreateWorkflowReq{
		Name:    "demo",
		OwnerID: owner,
		Nodes:   nodes,
	})
	require.NoError(t, err)
	return wf
}

func textNode(id string, content string) *workflow.CreateNodeReq {
	return &workflow.CreateNodeReq{ID: id, Type: workflow.NodeTypeText, Config: map[string]any{"content": content}}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestDispatchAndGetRun(t *testing.T) {
	env := newAPIEnv(t, nil)
	wf := env.createWorkflow(t, "u1", textNode("a", "hello"), textNode("b", "world"))

	rec := env.do(t, http.MethodPost, "/api/workflows/"+wf.ID+"/run", "u1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	runID, _ := body["runId"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, workflow.RunStatusRunning, body["status"])
	assert.Equal(t, false, body["queued"])

	var detail map[string]any
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/runs/"+runID, "u1")
		if rec.Code != http.StatusOK {
			return false
		}
		detail = decode(t, rec)
		return detail["status"] == workflow.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, runID, detail["id"])
	assert.Nil(t, detail["error"])
	assert.NotNil(t, detail["durationMs"])
	assert.Equal(t, map[string]any{"id": wf.ID, "name": "demo"}, detail["workflow"])
	steps, _ := detail["steps"].([]any)
	require.Len(t, steps, 2)
	first, _ := steps[0].(map[string]any)
	assert.Equal(t, "a", first["nodeId"])
	assert.Equal(t, workflow.StepStatusSuccess, first["status"])
	assert.Equal(t, "hello", first["result"])
	assert.NotNil(t, first["startedAt"])
	assert.NotNil(t, first["endedAt"])

	rec = env.do(t, http.MethodGet, "/api/runs/"+runID, "u2")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, map[string]any{"error": "Forbidden"}, decode(t, rec))
}

func TestDispatchErrors(t *testing.T) {
	env := newAPIEnv(t, nil)
	empty := env.createWorkflow(t, "u1")
	wf := env.createWorkflow(t, "u1", textNode("a", "1"))

	cases := []struct {
		name   string
		path   string
		owner  string
		status int
		msg    string
	}{
		{name: "缺少用户", path: "/api/workflows/" + wf.ID + "/run", status: http.StatusUnauthorized, msg: "Unauthorized"},
		{name: "工作流不存在", path: "/api/workflows/missing/run", owner: "u1", status: http.StatusNotFound, msg: "Workflow not found"},
		{name: "不是所有者", path: "/api/workflows/" + wf.ID + "/run", owner: "u2", status: http.StatusForbidden, msg: "Forbidden"},
		{name: "没有节点", path: "/api/workflows/" + empty.ID + "/run", owner: "u1", status: http.StatusBadRequest, msg: "Workflow has no nodes to execute"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, c.path, c.owner)
			assert.Equal(t, c.status, rec.Code)
			assert.Equal(t, map[string]any{"error": c.msg}, decode(t, rec))
		})
	}

	rec := env.do(t, http.MethodGet, "/api/runs/missing", "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, map[string]any{"error": "Run not found"}, decode(t, rec))
}

func TestExecuteRunSync(t *testing.T) {
	env := newAPIEnv(t, nil)
	wf := env.createWorkflow(t, "u1", textNode("a", "1"), &workflow.CreateNodeReq{ID: "b", Type: "foo"})

	rec := env.do(t, http.MethodPost, "/api/runs/"+wf.ID+"/run", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, workflow.RunStatusFailed, body["status"])
	assert.Equal(t, "Node b failed: Unsupported node type: foo", body["error"])
	steps, _ := body["steps"].([]any)
	assert.Len(t, steps, 2)
}

func TestExecuteRunSurvivesClientDisconnect(t *testing.T) {
	env := newAPIEnv(t, nil)
	wf := env.createWorkflow(t, "u1",
		&workflow.CreateNodeReq{ID: "wait", Type: workflow.NodeTypeDelay, Config: map[string]any{"ms": 200}},
		textNode("after", "ok"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+wf.ID+"/run", nil).WithContext(ctx)
	req.Header.Set(OwnerHeader, "u1")
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.server.ServeHTTP(rec, req)
	}()

	// 客户端在 delay 节点执行期间断开
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}

	runs, err := env.service.ListWorkflowRuns(context.Background(), wf.ID, "u1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	detail, err := env.service.GetRunDetail(context.Background(), runs[0].ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, detail.Run.Status)
	assert.Empty(t, detail.Run.Error)
	require.Len(t, detail.Run.Steps, 2)
	assert.Equal(t, workflow.StepStatusSuccess, detail.Run.Steps[0].Status)
}

func TestStepNullResult(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`null`))
	}))
	t.Cleanup(upstream.Close)

	env := newAPIEnv(t, nil)
	wf := env.createWorkflow(t, "u1",
		&workflow.CreateNodeReq{ID: "h", Type: workflow.NodeTypeHTTP, Config: map[string]any{"url": upstream.URL}},
	)

	rec := env.do(t, http.MethodPost, "/api/runs/"+wf.ID+"/run", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	runID, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, runID)

	rec = env.do(t, http.MethodGet, "/api/runs/"+runID, "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, workflow.RunStatusCompleted, body["status"])
	steps, _ := body["steps"].([]any)
	require.Len(t, steps, 1)
	step, _ := steps[0].(map[string]any)
	assert.Equal(t, workflow.StepStatusSuccess, step["status"])
	result, ok := step["result"]
	assert.True(t, ok, "success 的步骤带 result 字段")
	assert.Nil(t, result)
	_, hasError := step["error"]
	assert.False(t, hasError)
}

func TestListWorkflowRuns(t *testing.T) {
	env := newAPIEnv(t, nil)
	wf := env.createWorkflow(t, "u1", textNode("a", "1"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.service.ExecuteRun(ctx, &workflow.ExecuteRunReq{WorkflowID: wf.ID, OwnerID: "u1"})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/workflows/"+wf.ID+"/runs?limit=2", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, workflow.RunStatusCompleted, run["status"])
		assert.Nil(t, run["error"])
		assert.NotNil(t, run["durationMs"])
		_, hasSteps := run["steps"]
		assert.False(t, hasSteps)
	}

	// limit 非法时使用默认值
	rec = env.do(t, http.MethodGet, "/api/workflows/"+wf.ID+"/runs?limit=abc", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 3)

	rec = env.do(t, http.MethodGet, "/api/workflows/"+wf.ID+"/runs", "u2")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("没有队列", func(t *testing.T) {
		env := newAPIEnv(t, nil)
		rec := env.do(t, http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]any{"status": "ok", "queue": "disabled"}, decode(t, rec))
	})
	t.Run("队列不可用", func(t *testing.T) {
		env := newAPIEnv(t, func(context.Context) error { return errors.New("dial tcp: refused") })
		rec := env.do(t, http.MethodGet, "/healthz", "")
		assert.True(t, strings.Contains(rec.Body.String(), `"queue":"down"`))
	})
	t.Run("队列正常", func(t *testing.T) {
		env := newAPIEnv(t, func(context.Context) error { return nil })
		rec := env.do(t, http.MethodGet, "/healthz", "")
		assert.True(t, strings.Contains(rec.Body.String(), `"queue":"up"`))
	})
}
