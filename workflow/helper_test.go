package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"unicode"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

// newTestDB 每个测试一个独立的内存库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '_'
	}, t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	db           *gorm.DB
	workflowRepo WorkflowRepo
	runRepo      RunRepo
	ledger       *RunLedger
	engine       *Engine
	lock         WorkflowLock
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		db:           db,
		workflowRepo: NewWorkflowRepo(db),
		runRepo:      NewRunRepo(db),
		lock:         NewLocalWorkflowLock(discardLogger()),
	}
	env.ledger = NewRunLedger(env.runRepo)
	opts = append([]EngineOption{WithEngineLogger(discardLogger()), WithRunLease(env.lock, 0)}, opts...)
	env.engine = NewEngine(env.workflowRepo, env.ledger, NewNodeExecutor(), opts...)
	return env
}

func (env *testEnv) createWorkflow(t *testing.T, ownerID string, nodes ...*CreateNodeReq) *Workflow {
	t.Helper()
	wf, err := env.workflowRepo.CreateWorkflow(context.Background(), &CreateWorkflowReq{
		Name:    "wf-" + ownerID,
		OwnerID: ownerID,
		Nodes:   nodes,
	})
	require.NoError(t, err)
	return wf
}

func textNode(id string, content string) *CreateNodeReq {
	return &CreateNodeReq{ID: id, Type: NodeTypeText, Config: map[string]any{"content": content}}
}

func delayNode(id string, ms int) *CreateNodeReq {
	return &CreateNodeReq{ID: id, Type: NodeTypeDelay, Config: map[string]any{"ms": ms}}
}

func httpNode(id string, url string) *CreateNodeReq {
	return &CreateNodeReq{ID: id, Type: NodeTypeHTTP, Config: map[string]any{"url": url}}
}

func rawNode(id string, nodeType string) *CreateNodeReq {
	return &CreateNodeReq{ID: id, Type: nodeType}
}

// failingRunRepo 指定的写操作返回错误, 用于模拟存储异常
type failingRunRepo struct {
	RunRepo
	failCreateStep atomic.Bool
	failUpdateRun  atomic.Bool
}

func (r *failingRunRepo) CreateRunStep(ctx context.Context, step *RunStepPo) (*RunStepPo, error) {
	if r.failCreateStep.Load() {
		return nil, fmt.Errorf("disk full")
	}
	return r.RunRepo.CreateRunStep(ctx, step)
}

func (r *failingRunRepo) UpdateRun(ctx context.Context, param *UpdateRunParams) (int64, error) {
	if r.failUpdateRun.Load() {
		return 0, fmt.Errorf("connection reset")
	}
	return r.RunRepo.UpdateRun(ctx, param)
}
