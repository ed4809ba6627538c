// Package task implements the TaskStore (spec §4.2): typed, validated CRUD
// over the StateStore for tasks, plan steps, messages, conversations,
// attachments, and model configs.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgebase/taskcore/internal/apperr"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/store"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Store is the TaskStore.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// New builds a TaskStore over an already-opened StateStore.
func New(st *store.Store, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default()
	}
	return &Store{db: st.DB(), log: log.WithFields()}
}

// CreateTaskInput is the caller-supplied subset of Task fields accepted by
// createTask (spec §4.2).
type CreateTaskInput struct {
	ID             string
	Title          string
	Prompt         string
	Model          string
	ModelParams    map[string]any
	Priority       int
	InheritContext bool
	ParentTaskID   *string
	MaxRetries     *int
	CreatedBy      string
	Metadata       map[string]any
	Status         v1.TaskStatus // optional override; defaults to pending
}

const maxDerivedTitleLen = 32

func deriveTitle(title, prompt string) string {
	if strings.TrimSpace(title) != "" {
		return title
	}
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) <= maxDerivedTitleLen {
			return line
		}
		return line[:maxDerivedTitleLen-1] + "…"
	}
	return "untitled task"
}

// CreateTask implements spec §4.2's createTask contract.
func (s *Store) CreateTask(ctx context.Context, input CreateTaskInput, now time.Time) (*v1.Task, error) {
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, apperr.Validation("prompt must not be empty")
	}

	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}

	maxRetries := 3
	if input.MaxRetries != nil {
		maxRetries = *input.MaxRetries
		if maxRetries < 0 {
			maxRetries = 0
		}
	}

	status := input.Status
	if status == "" {
		status = v1.TaskStatusPending
	}

	var queuedAt *time.Time
	if status == v1.TaskStatusQueued {
		t := now
		queuedAt = &t
	}

	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	modelParams := input.ModelParams
	if modelParams == nil {
		modelParams = map[string]any{}
	}

	task := &v1.Task{
		ID:             id,
		Title:          deriveTitle(input.Title, input.Prompt),
		Prompt:         input.Prompt,
		Model:          input.Model,
		ModelParams:    modelParams,
		Status:         status,
		Priority:       input.Priority,
		QueuedAt:       queuedAt,
		InheritContext: input.InheritContext,
		ParentTaskID:   input.ParentTaskID,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		CreatedBy:      input.CreatedBy,
		Metadata:       metadata,
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		threadID, err := s.deriveThreadID(tx, task)
		if err != nil {
			return err
		}
		task.ThreadID = threadID

		var maxOrder sql.NullInt64
		if err := tx.Get(&maxOrder, `SELECT MAX(queue_order) FROM tasks`); err != nil {
			return apperr.IOFault("read max queue_order", err)
		}
		task.QueueOrder = maxOrder.Int64 + 1

		metadataJSON, _ := json.Marshal(task.Metadata)
		paramsJSON, _ := json.Marshal(task.ModelParams)

		_, err = tx.Exec(`INSERT INTO tasks (
			id, title, prompt, model, model_params, status, priority, queue_order,
			queued_at, inherit_context, parent_task_id, thread_id, max_retries,
			created_at, created_by, metadata
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			task.ID, task.Title, task.Prompt, task.Model, string(paramsJSON),
			task.Status, task.Priority, task.QueueOrder, task.QueuedAt,
			boolToInt(task.InheritContext), task.ParentTaskID, task.ThreadID,
			task.MaxRetries, task.CreatedAt, task.CreatedBy, string(metadataJSON))
		if err != nil {
			return apperr.IOFault("insert task", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// deriveThreadID implements spec §3's threadId derivation rule: for
// inheritContext=true, the most recent prior task's threadId (by
// createdAt, then id); otherwise "conv-<taskId>".
func (s *Store) deriveThreadID(tx *sqlx.Tx, task *v1.Task) (string, error) {
	if !task.InheritContext {
		return "conv-" + task.ID, nil
	}
	var threadID sql.NullString
	err := tx.Get(&threadID, `SELECT thread_id FROM tasks ORDER BY created_at DESC, id DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return "conv-" + task.ID, nil
	}
	if err != nil {
		return "", apperr.IOFault("derive thread id", err)
	}
	if !threadID.Valid || threadID.String == "" {
		return "conv-" + task.ID, nil
	}
	return threadID.String, nil
}

type taskRow struct {
	ID               string         `db:"id"`
	Title            string         `db:"title"`
	Prompt           string         `db:"prompt"`
	Model            string         `db:"model"`
	ModelParams      string         `db:"model_params"`
	Status           string         `db:"status"`
	Priority         int            `db:"priority"`
	QueueOrder       int64          `db:"queue_order"`
	QueuedAt         sql.NullTime   `db:"queued_at"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	ArchivedAt       sql.NullTime   `db:"archived_at"`
	PromptInjectedAt sql.NullTime   `db:"prompt_injected_at"`
	InheritContext   int            `db:"inherit_context"`
	ParentTaskID     sql.NullString `db:"parent_task_id"`
	ThreadID         string         `db:"thread_id"`
	Result           string         `db:"result"`
	ResultSummary    string         `db:"result_summary"`
	LastError        string         `db:"last_error"`
	RetryCount       int            `db:"retry_count"`
	MaxRetries       int            `db:"max_retries"`
	CreatedAt        time.Time      `db:"created_at"`
	CreatedBy        string         `db:"created_by"`
	Metadata         string         `db:"metadata"`
}

func (r *taskRow) toTask() *v1.Task {
	t := &v1.Task{
		ID:            r.ID,
		Title:         r.Title,
		Prompt:        r.Prompt,
		Model:         r.Model,
		Status:        v1.TaskStatus(r.Status),
		Priority:      r.Priority,
		QueueOrder:    r.QueueOrder,
		ThreadID:      r.ThreadID,
		Result:        r.Result,
		ResultSummary: r.ResultSummary,
		LastError:     r.LastError,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		CreatedAt:     r.CreatedAt,
		CreatedBy:     r.CreatedBy,
		InheritContext: r.InheritContext != 0,
	}
	if r.QueuedAt.Valid {
		t.QueuedAt = &r.QueuedAt.Time
	}
	if r.StartedAt.Valid {
		t.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = &r.CompletedAt.Time
	}
	if r.ArchivedAt.Valid {
		t.ArchivedAt = &r.ArchivedAt.Time
	}
	if r.PromptInjectedAt.Valid {
		t.PromptInjectedAt = &r.PromptInjectedAt.Time
	}
	if r.ParentTaskID.Valid {
		v := r.ParentTaskID.String
		t.ParentTaskID = &v
	}
	_ = json.Unmarshal([]byte(r.ModelParams), &t.ModelParams)
	_ = json.Unmarshal([]byte(r.Metadata), &t.Metadata)
	return t
}

const taskColumns = `id, title, prompt, model, model_params, status, priority, queue_order,
	queued_at, started_at, completed_at, archived_at, prompt_injected_at,
	inherit_context, parent_task_id, thread_id, result, result_summary, last_error,
	retry_count, max_retries, created_at, created_by, metadata`

// GetTask returns nil, nil when the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IOFault("get task", err)
	}
	return row.toTask(), nil
}

// ListTasksFilter narrows ListTasks (spec §6.1 listTasks({status?, limit?})).
type ListTasksFilter struct {
	Status v1.TaskStatus
	Limit  int
}

// ListTasks returns tasks ordered by queue_order ascending.
func (s *Store) ListTasks(ctx context.Context, filter ListTasksFilter) ([]*v1.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY queue_order ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.IOFault("list tasks", err)
	}
	out := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTask())
	}
	return out, nil
}

// UpdateTaskInput is a partial update merged onto the existing row.
type UpdateTaskInput struct {
	Status        *v1.TaskStatus
	Result        *string
	ResultSummary *string
	LastError     *string
	RetryCount    *int
	Priority      *int
	// ResetRun clears startedAt/completedAt, e.g. when a task is retried or
	// re-queued back to pending (spec §4.7: "clear result/startedAt/completedAt").
	ResetRun bool
}

// UpdateTask implements spec §4.2's updateTask contract: merge, re-normalize
// status, preserve promptInjectedAt, set startedAt/completedAt/archivedAt
// per the transition rules.
func (s *Store) UpdateTask(ctx context.Context, id string, partial UpdateTaskInput, now time.Time) (*v1.Task, error) {
	var updated *v1.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row taskRow
		if err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id); err != nil {
			if err == sql.ErrNoRows {
				return apperr.Conflict("task %s not found", id)
			}
			return apperr.IOFault("get task for update", err)
		}
		task := row.toTask()

		if partial.Status != nil {
			task.Status = *partial.Status
		}
		if partial.Result != nil {
			task.Result = *partial.Result
		}
		if partial.ResultSummary != nil {
			task.ResultSummary = *partial.ResultSummary
		}
		if partial.LastError != nil {
			task.LastError = *partial.LastError
		}
		if partial.RetryCount != nil {
			task.RetryCount = *partial.RetryCount
		}
		if partial.Priority != nil {
			task.Priority = *partial.Priority
		}
		if partial.ResetRun {
			task.StartedAt = nil
			task.CompletedAt = nil
		}

		if task.Status == v1.TaskStatusRunning && task.StartedAt == nil {
			t := now
			task.StartedAt = &t
		}
		isTerminal := task.Status == v1.TaskStatusCompleted || task.Status == v1.TaskStatusFailed || task.Status == v1.TaskStatusCancelled
		if isTerminal && task.CompletedAt == nil {
			t := now
			task.CompletedAt = &t
		}
		if task.Status == v1.TaskStatusCompleted {
			if task.ArchivedAt == nil {
				t := now
				task.ArchivedAt = &t
			}
		} else {
			task.ArchivedAt = nil
		}
		// promptInjectedAt is write-once; never altered here.

		metadataJSON, _ := json.Marshal(task.Metadata)
		_, err := tx.Exec(`UPDATE tasks SET
			status=?, result=?, result_summary=?, last_error=?, retry_count=?,
			priority=?, started_at=?, completed_at=?, archived_at=?, metadata=?
			WHERE id=?`,
			task.Status, task.Result, task.ResultSummary, task.LastError, task.RetryCount,
			task.Priority, task.StartedAt, task.CompletedAt, task.ArchivedAt, string(metadataJSON), id)
		if err != nil {
			return apperr.IOFault("update task", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkPromptInjected is a CAS update from NULL to now; returns whether the
// update applied (spec §4.2).
func (s *Store) MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt_injected_at = ? WHERE id = ? AND prompt_injected_at IS NULL`,
		now, id)
	if err != nil {
		return false, apperr.IOFault("mark prompt injected", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimNextPendingTask selects the oldest pending task (queue_order asc,
// created_at asc) and transitions it to running, guarded by status='pending'
// so a racing claim observes zero rows affected (spec §4.2, §8 property 1).
func (s *Store) ClaimNextPendingTask(ctx context.Context, now time.Time) (*v1.Task, error) {
	var claimed *v1.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.Get(&id, `SELECT id FROM tasks WHERE status = 'pending'
			ORDER BY queue_order ASC, created_at ASC LIMIT 1`)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return apperr.IOFault("select next pending task", err)
		}
		res, err := tx.Exec(`UPDATE tasks SET status = 'running',
			started_at = COALESCE(started_at, ?) WHERE id = ? AND status = 'pending'`, now, id)
		if err != nil {
			return apperr.IOFault("claim pending task", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil // raced; caller sees "nothing claimed"
		}
		var row taskRow
		if err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id); err != nil {
			return apperr.IOFault("reload claimed task", err)
		}
		claimed = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// DequeueNextQueuedTask promotes queued->pending, ordered by (queued_at,
// queue_order, created_at, id) (spec §4.2).
func (s *Store) DequeueNextQueuedTask(ctx context.Context, now time.Time) (*v1.Task, error) {
	var promoted *v1.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.Get(&id, `SELECT id FROM tasks WHERE status = 'queued'
			ORDER BY queued_at ASC, queue_order ASC, created_at ASC, id ASC LIMIT 1`)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return apperr.IOFault("select next queued task", err)
		}
		res, err := tx.Exec(`UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'queued'`, id)
		if err != nil {
			return apperr.IOFault("promote queued task", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		var row taskRow
		if err := tx.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id); err != nil {
			return apperr.IOFault("reload promoted task", err)
		}
		promoted = row.toTask()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// MovePendingTask swaps queue_order with the adjacent pending neighbor in
// the given direction; if they tied, bumps the moved one by ±1 (spec §4.2).
func (s *Store) MovePendingTask(ctx context.Context, taskID string, direction string) error {
	if direction != "up" && direction != "down" {
		return apperr.Validation("direction must be 'up' or 'down', got %q", direction)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var self struct {
			ID         string `db:"id"`
			QueueOrder int64  `db:"queue_order"`
		}
		if err := tx.Get(&self, `SELECT id, queue_order FROM tasks WHERE id = ? AND status = 'pending'`, taskID); err != nil {
			if err == sql.ErrNoRows {
				return apperr.Validation("task %s is not pending", taskID)
			}
			return apperr.IOFault("load task for move", err)
		}

		cmp, order := "<", "DESC"
		if direction == "down" {
			cmp, order = ">", "ASC"
		}
		var neighbor struct {
			ID         string `db:"id"`
			QueueOrder int64  `db:"queue_order"`
		}
		query := fmt.Sprintf(`SELECT id, queue_order FROM tasks WHERE status = 'pending' AND queue_order %s ?
			ORDER BY queue_order %s LIMIT 1`, cmp, order)
		err := tx.Get(&neighbor, query, self.QueueOrder)
		if err == sql.ErrNoRows {
			return nil // already at the boundary; no-op
		}
		if err != nil {
			return apperr.IOFault("load neighbor for move", err)
		}

		if neighbor.QueueOrder == self.QueueOrder {
			delta := int64(1)
			if direction == "up" {
				delta = -1
			}
			_, err = tx.Exec(`UPDATE tasks SET queue_order = queue_order + ? WHERE id = ?`, delta, self.ID)
			return err
		}
		if _, err := tx.Exec(`UPDATE tasks SET queue_order = ? WHERE id = ?`, neighbor.QueueOrder, self.ID); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE tasks SET queue_order = ? WHERE id = ?`, self.QueueOrder, neighbor.ID)
		return err
	})
}

// ReorderPendingTasks places the supplied id subset, in the order given,
// into the positions previously held by the *untouched* pending ids; the
// untouched ids then shift, keeping their relative order, into the
// positions vacated by the supplied subset. All pending queue_order
// values are then renumbered contiguously from the smallest existing
// value (spec §4.2; see DESIGN.md for the Open Question this resolves,
// and spec §8 scenario 4 for the worked example: pending [A,B,C,D]
// reordered with [D,B] yields [D,A,B,C]).
func (s *Store) ReorderPendingTasks(ctx context.Context, taskIDs []string) error {
	seen := map[string]bool{}
	for _, id := range taskIDs {
		if seen[id] {
			return apperr.Validation("duplicate id %q in reorderPendingTasks", id)
		}
		seen[id] = true
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current []struct {
			ID         string `db:"id"`
			QueueOrder int64  `db:"queue_order"`
		}
		if err := tx.Select(&current, `SELECT id, queue_order FROM tasks WHERE status = 'pending' ORDER BY queue_order ASC`); err != nil {
			return apperr.IOFault("load pending tasks for reorder", err)
		}

		currentIDs := make(map[string]bool, len(current))
		for _, c := range current {
			currentIDs[c.ID] = true
		}
		for id := range seen {
			if !currentIDs[id] {
				return apperr.Validation("task %q is not currently pending", id)
			}
		}

		// The supplied subset is overlaid, in the order given, onto the
		// positions previously held by the *untouched* ids; those untouched
		// ids then shift, in their original relative order, into the
		// positions vacated by the supplied subset.
		untouchedPositions := make([]int, 0, len(current)-len(taskIDs))
		suppliedPositions := make([]int, 0, len(taskIDs))
		var untouchedIDs []string
		for i, c := range current {
			if seen[c.ID] {
				suppliedPositions = append(suppliedPositions, i)
			} else {
				untouchedPositions = append(untouchedPositions, i)
				untouchedIDs = append(untouchedIDs, c.ID)
			}
		}

		newOrder := make([]string, len(current))
		for i, pos := range untouchedPositions {
			newOrder[pos] = taskIDs[i]
		}
		for i, pos := range suppliedPositions {
			newOrder[pos] = untouchedIDs[i]
		}

		if len(current) == 0 {
			return nil
		}
		base := current[0].QueueOrder
		for i, id := range newOrder {
			if _, err := tx.Exec(`UPDATE tasks SET queue_order = ? WHERE id = ?`, base+int64(i), id); err != nil {
				return apperr.IOFault("renumber pending task", err)
			}
		}
		return nil
	})
}

// DeleteTask cascades to plan_steps, task_messages, task_contexts, and
// task_attachment_links via ON DELETE CASCADE.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return apperr.IOFault("delete task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.Conflict("task %s not found", id)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.IOFault("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
