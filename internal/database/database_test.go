package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/flowrun/workflow"
)

func TestOpenSqlite(t *testing.T) {
	db, err := Open(DriverSqlite, filepath.Join(t.TempDir(), "flowrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	for _, table := range []string{"flow_workflow", "flow_workflow_node", "flow_run", "flow_run_step"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	repo := workflow.NewWorkflowRepo(db)
	_, err = repo.CreateWorkflow(context.Background(), &workflow.CreateWorkflowReq{Name: "wf", OwnerID: "u1"})
	require.NoError(t, err)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open("mysql", "dsn")
	assert.Error(t, err)
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "flowrun.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", sqliteDSN(""))
	assert.Equal(t, "file:x?mode=memory", sqliteDSN("file:x?mode=memory"))
}
