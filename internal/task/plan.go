package task

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgebase/taskcore/internal/apperr"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// SetPlan deletes any prior plan for taskID, NULLs plan_step_id references
// in task_messages, and inserts the new steps numbered 1..N, all in one
// transaction (spec §3 PlanStep lifecycle, §4.2 setPlan, §8 property 5).
func (s *Store) SetPlan(ctx context.Context, taskID string, steps []v1.PlanStepInput) ([]v1.PlanStep, error) {
	if len(steps) == 0 {
		return nil, apperr.Validation("plan must have at least one step")
	}
	out := make([]v1.PlanStep, 0, len(steps))
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`UPDATE task_messages SET plan_step_task_id = NULL, plan_step_number = NULL
			WHERE plan_step_task_id = ?`, taskID); err != nil {
			return apperr.IOFault("clear plan_step_id references", err)
		}
		if _, err := tx.Exec(`DELETE FROM plan_steps WHERE task_id = ?`, taskID); err != nil {
			return apperr.IOFault("delete prior plan", err)
		}
		for i, step := range steps {
			number := i + 1
			_, err := tx.Exec(`INSERT INTO plan_steps (task_id, step_number, title, description, status)
				VALUES (?, ?, ?, ?, 'pending')`, taskID, number, step.Title, step.Description)
			if err != nil {
				return apperr.IOFault("insert plan step", err)
			}
			out = append(out, v1.PlanStep{
				TaskID:      taskID,
				StepNumber:  number,
				Title:       step.Title,
				Description: step.Description,
				Status:      v1.PlanStepPending,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type planStepRow struct {
	TaskID      string         `db:"task_id"`
	StepNumber  int            `db:"step_number"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Status      string         `db:"status"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r *planStepRow) toStep() v1.PlanStep {
	step := v1.PlanStep{
		TaskID:      r.TaskID,
		StepNumber:  r.StepNumber,
		Title:       r.Title,
		Description: r.Description,
		Status:      v1.PlanStepStatus(r.Status),
	}
	if r.StartedAt.Valid {
		step.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		step.CompletedAt = &r.CompletedAt.Time
	}
	return step
}

// ListPlanSteps returns the plan for a task, ordered by step_number.
func (s *Store) ListPlanSteps(ctx context.Context, taskID string) ([]v1.PlanStep, error) {
	var rows []planStepRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT task_id, step_number, title, description, status, started_at, completed_at
		FROM plan_steps WHERE task_id = ? ORDER BY step_number ASC`, taskID); err != nil {
		return nil, apperr.IOFault("list plan steps", err)
	}
	out := make([]v1.PlanStep, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toStep())
	}
	return out, nil
}

// UpdatePlanStepStatus transitions one step's status, stamping
// started_at/completed_at on entry to running/terminal states.
func (s *Store) UpdatePlanStepStatus(ctx context.Context, taskID string, stepNumber int, status v1.PlanStepStatus, now time.Time) error {
	var startedAt, completedAt any
	if status == v1.PlanStepRunning {
		startedAt = now
	}
	if status == v1.PlanStepCompleted || status == v1.PlanStepFailed || status == v1.PlanStepSkipped {
		completedAt = now
	}
	_, err := s.db.ExecContext(ctx, `UPDATE plan_steps SET status = ?,
		started_at = COALESCE(started_at, ?), completed_at = COALESCE(completed_at, ?)
		WHERE task_id = ? AND step_number = ?`, status, startedAt, completedAt, taskID, stepNumber)
	if err != nil {
		return apperr.IOFault("update plan step status", err)
	}
	return nil
}
