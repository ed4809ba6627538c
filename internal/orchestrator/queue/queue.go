// Package queue implements TaskQueue (spec §4.7): the single worker per
// workspace that claims pending tasks from the TaskStore, drives them
// through a planner and an executor, applies the retry/fail/cancel status
// machine, and publishes lifecycle events.
package queue

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/forgebase/taskcore/internal/apperr"
	"github.com/forgebase/taskcore/internal/orchestrator/executor"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/task"
	"github.com/forgebase/taskcore/internal/telemetry"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Planner generates a task's ordered plan (spec §4.5).
type Planner interface {
	GeneratePlan(ctx context.Context, t *v1.Task) ([]v1.PlanStepInput, error)
}

// Executor runs a task's plan to completion (spec §4.6).
type Executor interface {
	Execute(ctx context.Context, t *v1.Task, plan []v1.PlanStep, hooks executor.Hooks) (string, error)
}

// Publisher receives every lifecycle event the queue emits (spec §4.9).
type Publisher interface {
	Publish(ev v1.QueueEvent)
}

const (
	failedContext       = "failure"
	cancelledContext    = "cancellation"
	summaryContext      = "summary"
	cancelledMarker     = "[已取消]"
	failedMarkerPrefix  = "[失败]\n"
	summaryMarkerPrefix = "[任务完成摘要]\n"
)

// TaskQueue is one workspace's single worker loop.
type TaskQueue struct {
	store   *task.Store
	planner Planner
	exec    Executor
	bus     Publisher
	log     *logging.Logger

	wakeTimerMS    int
	retryBackoffMS int

	wakeCh chan struct{}
	stopCh chan struct{}

	mu            sync.Mutex
	paused        bool
	runningTaskID string
	cancelRun     context.CancelFunc
	seq           uint64
}

// New constructs a TaskQueue bound to one workspace's store, planner, and
// executor. wakeTimerMS/retryBackoffMS default to 1000 when <= 0.
func New(store *task.Store, planner Planner, exec Executor, bus Publisher, log *logging.Logger, wakeTimerMS, retryBackoffMS int) *TaskQueue {
	if log == nil {
		log = logging.Default()
	}
	if wakeTimerMS <= 0 {
		wakeTimerMS = 1000
	}
	if retryBackoffMS <= 0 {
		retryBackoffMS = 1000
	}
	return &TaskQueue{
		store:          store,
		planner:        planner,
		exec:           exec,
		bus:            bus,
		log:            log.WithFields(),
		wakeTimerMS:    wakeTimerMS,
		retryBackoffMS: retryBackoffMS,
		wakeCh:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
}

// Run drives the worker loop until ctx is cancelled or Stop is called
// (spec §4.7's main-loop pseudocode).
func (q *TaskQueue) Run(ctx context.Context) {
	timer := time.NewTicker(time.Duration(q.wakeTimerMS) * time.Millisecond)
	defer timer.Stop()

	for {
		if q.stopped(ctx) {
			return
		}

		if q.isPaused() {
			if !q.waitForWake(ctx, timer) {
				return
			}
			continue
		}

		claimed, err := q.store.ClaimNextPendingTask(ctx, time.Now().UTC())
		if err != nil {
			q.log.Error("queue: claim next pending task failed", zap.Error(err))
			if !q.waitForWake(ctx, timer) {
				return
			}
			continue
		}
		if claimed == nil {
			if !q.waitForWake(ctx, timer) {
				return
			}
			continue
		}

		q.runTask(ctx, claimed)
	}
}

func (q *TaskQueue) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

// waitForWake blocks until the wake channel fires, the fallback timer
// ticks, or the queue/context is stopped. Returns false on stop.
func (q *TaskQueue) waitForWake(ctx context.Context, timer *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.stopCh:
		return false
	case <-q.wakeCh:
		return true
	case <-timer.C:
		return true
	}
}

func (q *TaskQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stop halts the worker loop; Run's next select observes stopCh and returns.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
}

// Pause sets the paused flag and emits queue:paused (spec §4.7).
func (q *TaskQueue) Pause(reason string) {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.bus.Publish(v1.QueueEvent{Type: v1.QueueEventQueuePaused, Seq: q.nextSeq(), Error: reason})
}

// Resume clears the paused flag, emits queue:resumed, and wakes the loop.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.bus.Publish(v1.QueueEvent{Type: v1.QueueEventQueueResumed, Seq: q.nextSeq()})
	q.notifyWake()
}

// Cancel cancels taskID: if it is the currently running task, flips the
// store status and triggers its abort controller; otherwise just flips the
// store status and wakes the loop (spec §4.7).
func (q *TaskQueue) Cancel(ctx context.Context, taskID string) error {
	status := v1.TaskStatusCancelled
	if _, err := q.store.UpdateTask(ctx, taskID, task.UpdateTaskInput{Status: &status}, time.Now().UTC()); err != nil {
		return err
	}

	q.mu.Lock()
	isRunning := q.runningTaskID == taskID
	cancel := q.cancelRun
	q.mu.Unlock()

	if isRunning && cancel != nil {
		cancel()
	}
	q.notifyWake()
	return nil
}

// Retry resets taskID back to pending with a clean run state (spec §4.7).
func (q *TaskQueue) Retry(ctx context.Context, taskID string) error {
	status := v1.TaskStatusPending
	empty := ""
	zero := 0
	if _, err := q.store.UpdateTask(ctx, taskID, task.UpdateTaskInput{
		Status: &status, Result: &empty, LastError: &empty, RetryCount: &zero, ResetRun: true,
	}, time.Now().UTC()); err != nil {
		return err
	}
	q.notifyWake()
	return nil
}

// NotifyNewTask signals the wake channel, e.g. after an external createTask.
func (q *TaskQueue) NotifyNewTask() {
	q.notifyWake()
}

func (q *TaskQueue) notifyWake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) nextSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return q.seq
}

func (q *TaskQueue) emit(ev v1.QueueEvent) {
	ev.Seq = q.nextSeq()
	q.bus.Publish(ev)
}

// runTask executes spec §4.7's try/catch body for exactly one claimed task.
func (q *TaskQueue) runTask(parent context.Context, t *v1.Task) {
	spanCtx, span := telemetry.StartSpan(parent, telemetry.SpanTaskRun,
		attribute.String(telemetry.AttrTaskID, t.ID),
		attribute.Int(telemetry.AttrRetryCount, t.RetryCount),
	)
	var taskErr error
	defer func() { telemetry.End(span, taskErr) }()

	runCtx, cancel := context.WithCancel(spanCtx)
	q.mu.Lock()
	q.runningTaskID = t.ID
	q.cancelRun = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.runningTaskID = ""
		q.cancelRun = nil
		q.mu.Unlock()
		cancel()
	}()

	q.emit(v1.QueueEvent{Type: v1.QueueEventTaskStarted, Task: t})

	plan, err := q.planner.GeneratePlan(runCtx, t)
	if err == nil {
		if q.wasCancelled(runCtx, t.ID) {
			q.handleCancelled(t)
			return
		}
		var steps []v1.PlanStep
		steps, err = q.store.SetPlan(runCtx, t.ID, plan)
		if err == nil {
			q.emit(v1.QueueEvent{Type: v1.QueueEventTaskPlanned, Task: t})
			q.emit(v1.QueueEvent{Type: v1.QueueEventTaskRunning, Task: t})

			var result string
			result, err = q.exec.Execute(runCtx, t, steps, q.hooksFor(t))
			if err == nil {
				if q.wasCancelled(runCtx, t.ID) {
					q.handleCancelled(t)
					return
				}
				q.handleCompleted(t, result)
				return
			}
		}
	}

	taskErr = err
	if apperr.IsCancellation(err) || q.wasCancelled(runCtx, t.ID) {
		q.handleCancelled(t)
		return
	}
	q.handleError(parent, t, err)
}

// wasCancelled reflects either the abort controller firing or the store
// status having been flipped to cancelled by an external Cancel call.
func (q *TaskQueue) wasCancelled(ctx context.Context, taskID string) bool {
	if ctx.Err() != nil {
		return true
	}
	current, err := q.store.GetTask(context.Background(), taskID)
	if err != nil || current == nil {
		return false
	}
	return current.Status == v1.TaskStatusCancelled
}

func (q *TaskQueue) hooksFor(t *v1.Task) executor.Hooks {
	return executor.Hooks{
		OnStepStarted: func(step int) {
			q.emit(v1.QueueEvent{Type: v1.QueueEventStepStarted, Task: t, StepNumber: step})
		},
		OnMessageDelta: func(step int, delta string) {
			q.emit(v1.QueueEvent{Type: v1.QueueEventMessageDelta, Task: t, StepNumber: step, Delta: delta})
		},
		OnCommand: func(step int, cmd string) {
			q.emit(v1.QueueEvent{Type: v1.QueueEventCommand, Task: t, StepNumber: step, Command: cmd})
		},
		OnStepComplete: func(step int) {
			q.emit(v1.QueueEvent{Type: v1.QueueEventStepCompleted, Task: t, StepNumber: step})
		},
	}
}

func (q *TaskQueue) handleCompleted(t *v1.Task, result string) {
	now := time.Now().UTC()
	status := v1.TaskStatusCompleted
	_, err := q.store.UpdateTask(context.Background(), t.ID, task.UpdateTaskInput{
		Status: &status, ResultSummary: &result,
	}, now)
	if err != nil {
		q.log.Error("queue: update task to completed failed", zap.Error(err))
		return
	}
	if result != "" {
		_ = q.store.AddTaskContext(context.Background(), v1.TaskContext{
			TaskID: t.ID, ContextType: summaryContext, Content: result, CreatedAt: now,
		})
	}
	if t.ThreadID != "" {
		_, _ = q.store.AddConversationMessage(context.Background(), v1.ConversationMessage{
			ConversationID: t.ThreadID,
			Role:           v1.RoleSystem,
			MessageType:    "summary",
			Content:        summaryMarkerPrefix + result,
			Metadata:       map[string]any{"kind": "task_summary"},
			CreatedAt:      now,
		})
	}
	t.Status = v1.TaskStatusCompleted
	q.emit(v1.QueueEvent{Type: v1.QueueEventTaskCompleted, Task: t})
}

func (q *TaskQueue) handleCancelled(t *v1.Task) {
	now := time.Now().UTC()
	status := v1.TaskStatusCancelled
	_, err := q.store.UpdateTask(context.Background(), t.ID, task.UpdateTaskInput{Status: &status}, now)
	if err != nil {
		q.log.Error("queue: update task to cancelled failed", zap.Error(err))
	}
	_ = q.store.AddTaskContext(context.Background(), v1.TaskContext{
		TaskID: t.ID, ContextType: cancelledContext, Content: cancelledMarker, CreatedAt: now,
	})
	t.Status = v1.TaskStatusCancelled
	q.emit(v1.QueueEvent{Type: v1.QueueEventTaskCancelled, Task: t})
}

// handleError applies the retry-or-fail transition (spec §4.7).
func (q *TaskQueue) handleError(ctx context.Context, t *v1.Task, cause error) {
	now := time.Now().UTC()
	message := cause.Error()

	if t.RetryCount+1 <= t.MaxRetries {
		retryCount := t.RetryCount + 1
		status := v1.TaskStatusPending
		empty := ""
		if _, err := q.store.UpdateTask(context.Background(), t.ID, task.UpdateTaskInput{
			Status: &status, RetryCount: &retryCount, Result: &empty, LastError: &message, ResetRun: true,
		}, now); err != nil {
			q.log.Error("queue: update task for retry failed", zap.Error(err))
			return
		}
		t.Status = v1.TaskStatusPending
		t.RetryCount = retryCount
		t.LastError = message
		q.emit(v1.QueueEvent{Type: v1.QueueEventTaskFailed, Task: t, Error: message})

		// The single worker blocks here for the backoff window rather than
		// immediately reclaiming the same task (spec §4.7, §6.5
		// retryBackoffMs) — there is only one worker per workspace, so a
		// synchronous, cancellable sleep is equivalent to a delayed wake
		// without the bookkeeping of a timer goroutine.
		select {
		case <-time.After(time.Duration(q.retryBackoffMS) * time.Millisecond):
		case <-ctx.Done():
		case <-q.stopCh:
		}
		return
	}

	status := v1.TaskStatusFailed
	_, err := q.store.UpdateTask(context.Background(), t.ID, task.UpdateTaskInput{
		Status: &status, LastError: &message,
	}, now)
	if err != nil {
		q.log.Error("queue: update task to failed failed", zap.Error(err))
	}
	_ = q.store.AddTaskContext(context.Background(), v1.TaskContext{
		TaskID: t.ID, ContextType: failedContext, Content: failedMarkerPrefix + message, CreatedAt: now,
	})
	t.Status = v1.TaskStatusFailed
	t.LastError = message
	q.emit(v1.QueueEvent{Type: v1.QueueEventTaskFailed, Task: t, Error: message})
}
