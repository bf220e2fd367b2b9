package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/advisor/internal/domain"
)

func TestWorkflowLifecycle(t *testing.T) {
	repo := newRepo(t)
	sessionID, err := repo.StartSession("user-1", "execution", nil)
	require.NoError(t, err)

	id, err := repo.StartWorkflow(sessionID, "user-1", "trade_execution")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	workflows, err := repo.GetWorkflows(sessionID)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, WorkflowStarted, workflows[0].State)
	assert.Nil(t, workflows[0].CompletedAt)

	require.NoError(t, repo.FinishWorkflow(id, WorkflowCompleted, ""))

	workflows, err = repo.GetWorkflows(sessionID)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, WorkflowCompleted, workflows[0].State)
	require.NotNil(t, workflows[0].CompletedAt)

	// A terminal workflow cannot be finished again.
	assert.ErrorIs(t, repo.FinishWorkflow(id, WorkflowFailed, "late"), domain.ErrNotFound)
}

func TestFinishWorkflowRecordsFailureDetail(t *testing.T) {
	repo := newRepo(t)
	sessionID, err := repo.StartSession("user-1", "execution", nil)
	require.NoError(t, err)

	id, err := repo.StartWorkflow(sessionID, "user-1", "portfolio_analysis")
	require.NoError(t, err)
	require.NoError(t, repo.FinishWorkflow(id, WorkflowFailed, "provider timeout"))

	workflows, err := repo.GetWorkflows(sessionID)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, WorkflowFailed, workflows[0].State)
	assert.Equal(t, "provider timeout", workflows[0].Detail)
}

func TestFinishUnknownWorkflow(t *testing.T) {
	repo := newRepo(t)
	assert.ErrorIs(t, repo.FinishWorkflow("missing", WorkflowCompleted, ""), domain.ErrNotFound)
}
