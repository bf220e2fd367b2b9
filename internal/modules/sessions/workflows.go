package sessions

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/advisor/internal/domain"
)

// Workflow is one tracked sub-agent run within a session.
type Workflow struct {
	ID          string
	SessionID   string
	UserID      string
	Agent       string
	State       string // started, completed, failed
	Detail      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

const (
	WorkflowStarted   = "started"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// StartWorkflow records a sub-agent run beginning and returns its id.
func (r *Repository) StartWorkflow(sessionID, userID, agent string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(
		`INSERT INTO agent_workflows (id, session_id, user_id, agent, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, userID, agent, WorkflowStarted,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to start workflow: %v", domain.ErrStore, err)
	}
	return id, nil
}

// FinishWorkflow moves a workflow to a terminal state.
func (r *Repository) FinishWorkflow(workflowID, state, detail string) error {
	res, err := r.db.Exec(
		`UPDATE agent_workflows SET state = ?, detail = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
		state, detail, time.Now().UTC().Format(time.RFC3339),
		workflowID, WorkflowStarted,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to finish workflow: %v", domain.ErrStore, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: workflow %s", domain.ErrNotFound, workflowID)
	}
	return nil
}

// GetWorkflows lists a session's workflows, newest first.
func (r *Repository) GetWorkflows(sessionID string) ([]Workflow, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, user_id, agent, state, detail, created_at, completed_at
		 FROM agent_workflows WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list workflows: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var workflows []Workflow
	for rows.Next() {
		var w Workflow
		var createdAt string
		var completedAt *string
		if err := rows.Scan(&w.ID, &w.SessionID, &w.UserID, &w.Agent, &w.State, &w.Detail, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan workflow: %v", domain.ErrStore, err)
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if completedAt != nil {
			t, _ := time.Parse(time.RFC3339, *completedAt)
			w.CompletedAt = &t
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}
