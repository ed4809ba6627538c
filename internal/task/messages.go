package task

import (
	"context"
	"database/sql"
	"time"

	"github.com/forgebase/taskcore/internal/apperr"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// AddTaskMessage inserts a TaskMessage; content must be non-empty (spec §3).
func (s *Store) AddTaskMessage(ctx context.Context, msg v1.TaskMessage) (*v1.TaskMessage, error) {
	if msg.Content == "" {
		return nil, apperr.Validation("task message content must not be empty")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var planStepTaskID sql.NullString
	var planStepNumber sql.NullInt64
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_messages
		(task_id, plan_step_task_id, plan_step_number, role, content, message_type, model_used, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.TaskID, planStepTaskID, planStepNumber, msg.Role, msg.Content, msg.MessageType, msg.ModelUsed, msg.TokenCount, msg.CreatedAt)
	if err != nil {
		return nil, apperr.IOFault("insert task message", err)
	}
	id, _ := res.LastInsertId()
	msg.ID = id
	return &msg, nil
}

// AddTaskMessageForStep inserts a TaskMessage linked to a plan step.
func (s *Store) AddTaskMessageForStep(ctx context.Context, msg v1.TaskMessage, stepNumber int) (*v1.TaskMessage, error) {
	if msg.Content == "" {
		return nil, apperr.Validation("task message content must not be empty")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_messages
		(task_id, plan_step_task_id, plan_step_number, role, content, message_type, model_used, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.TaskID, msg.TaskID, stepNumber, msg.Role, msg.Content, msg.MessageType, msg.ModelUsed, msg.TokenCount, msg.CreatedAt)
	if err != nil {
		return nil, apperr.IOFault("insert task message for step", err)
	}
	id, _ := res.LastInsertId()
	msg.ID = id
	step := int64(stepNumber)
	msg.PlanStepID = &step
	return &msg, nil
}

type taskMessageRow struct {
	ID              int64          `db:"id"`
	TaskID          string         `db:"task_id"`
	PlanStepTaskID  sql.NullString `db:"plan_step_task_id"`
	PlanStepNumber  sql.NullInt64  `db:"plan_step_number"`
	Role            string         `db:"role"`
	Content         string         `db:"content"`
	MessageType     string         `db:"message_type"`
	ModelUsed       string         `db:"model_used"`
	TokenCount      int            `db:"token_count"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r *taskMessageRow) toMessage() v1.TaskMessage {
	m := v1.TaskMessage{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Role:        v1.MessageRole(r.Role),
		Content:     r.Content,
		MessageType: r.MessageType,
		ModelUsed:   r.ModelUsed,
		TokenCount:  r.TokenCount,
		CreatedAt:   r.CreatedAt,
	}
	if r.PlanStepNumber.Valid {
		n := r.PlanStepNumber.Int64
		m.PlanStepID = &n
	}
	return m
}

// ListTaskMessages returns messages for a task in creation order.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string) ([]v1.TaskMessage, error) {
	var rows []taskMessageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, task_id, plan_step_task_id, plan_step_number,
		role, content, message_type, model_used, token_count, created_at
		FROM task_messages WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID); err != nil {
		return nil, apperr.IOFault("list task messages", err)
	}
	out := make([]v1.TaskMessage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMessage())
	}
	return out, nil
}

// AddTaskContext appends a TaskContext side-log row.
func (s *Store) AddTaskContext(ctx context.Context, entry v1.TaskContext) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_contexts (task_id, context_type, content, created_at)
		VALUES (?, ?, ?, ?)`, entry.TaskID, entry.ContextType, entry.Content, entry.CreatedAt)
	if err != nil {
		return apperr.IOFault("insert task context", err)
	}
	return nil
}

// ListTaskContexts returns side-log entries for a task in creation order.
func (s *Store) ListTaskContexts(ctx context.Context, taskID string) ([]v1.TaskContext, error) {
	var rows []struct {
		TaskID      string    `db:"task_id"`
		ContextType string    `db:"context_type"`
		Content     string    `db:"content"`
		CreatedAt   time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT task_id, context_type, content, created_at
		FROM task_contexts WHERE task_id = ? ORDER BY created_at ASC`, taskID); err != nil {
		return nil, apperr.IOFault("list task contexts", err)
	}
	out := make([]v1.TaskContext, 0, len(rows))
	for _, r := range rows {
		out = append(out, v1.TaskContext{TaskID: r.TaskID, ContextType: r.ContextType, Content: r.Content, CreatedAt: r.CreatedAt})
	}
	return out, nil
}
