package task

import (
	"context"
	"testing"
	"time"

	"github.com/forgebase/taskcore/internal/store"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil)
}

func TestCreateTaskDerivesTitleAndQueueOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t1, err := s.CreateTask(ctx, CreateTaskInput{Prompt: "write hello world in python\nmore detail"}, now)
	if err != nil {
		t.Fatalf("create task 1: %v", err)
	}
	if t1.Title != "write hello world in python" {
		t.Errorf("expected derived title from first non-empty line, got %q", t1.Title)
	}
	if t1.QueueOrder != 1 {
		t.Errorf("expected queueOrder 1, got %d", t1.QueueOrder)
	}
	if t1.ThreadID != "conv-"+t1.ID {
		t.Errorf("expected default threadId conv-<id>, got %q", t1.ThreadID)
	}

	t2, err := s.CreateTask(ctx, CreateTaskInput{Prompt: "second task"}, now)
	if err != nil {
		t.Fatalf("create task 2: %v", err)
	}
	if t2.QueueOrder != 2 {
		t.Errorf("expected queueOrder 2, got %d", t2.QueueOrder)
	}
}

func TestCreateTaskInheritsThreadID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t1, _ := s.CreateTask(ctx, CreateTaskInput{Prompt: "first"}, now)
	t2, err := s.CreateTask(ctx, CreateTaskInput{Prompt: "second", InheritContext: true}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("create inheriting task: %v", err)
	}
	if t2.ThreadID != t1.ThreadID {
		t.Errorf("expected inherited threadId %q, got %q", t1.ThreadID, t2.ThreadID)
	}
}

func TestMarkPromptInjectedIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task, _ := s.CreateTask(ctx, CreateTaskInput{Prompt: "x"}, now)

	applied, err := s.MarkPromptInjected(ctx, task.ID, now)
	if err != nil || !applied {
		t.Fatalf("expected first mark to apply, got applied=%v err=%v", applied, err)
	}
	applied, err = s.MarkPromptInjected(ctx, task.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if applied {
		t.Errorf("expected second mark to be a no-op (write-once)")
	}
}

func TestClaimNextPendingTaskOrdersByQueueOrderThenCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, _ := s.CreateTask(ctx, CreateTaskInput{Prompt: "a"}, now)
	_, _ = s.CreateTask(ctx, CreateTaskInput{Prompt: "b"}, now.Add(time.Second))

	claimed, err := s.ClaimNextPendingTask(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != a.ID {
		t.Fatalf("expected to claim task %q first, got %+v", a.ID, claimed)
	}
	if claimed.Status != v1.TaskStatusRunning {
		t.Errorf("expected claimed task status running, got %s", claimed.Status)
	}

	again, err := s.ClaimNextPendingTask(ctx, now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if again == nil {
		t.Fatalf("expected second claim to return task b")
	}
	if again.ID == a.ID {
		t.Errorf("did not expect to reclaim the already-running task")
	}
}

func TestReorderPendingTasksOverlaysSubsetOntoUntouchedPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ids := make([]string, 4)
	for i, prompt := range []string{"A", "B", "C", "D"} {
		task, err := s.CreateTask(ctx, CreateTaskInput{Prompt: prompt}, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("create %s: %v", prompt, err)
		}
		ids[i] = task.ID
	}
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]

	if err := s.ReorderPendingTasks(ctx, []string{d, b}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	tasks, err := s.ListTasks(ctx, ListTasksFilter{Status: v1.TaskStatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 pending tasks, got %d", len(tasks))
	}
	got := []string{tasks[0].ID, tasks[1].ID, tasks[2].ID, tasks[3].ID}
	want := []string{d, a, b, c}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: want %q got %q (full order %v)", i, want[i], got[i], got)
		}
	}
}

func TestReorderPendingTasksRejectsDuplicatesAndUnknownIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task, _ := s.CreateTask(ctx, CreateTaskInput{Prompt: "a"}, now)

	if err := s.ReorderPendingTasks(ctx, []string{task.ID, task.ID}); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
	if err := s.ReorderPendingTasks(ctx, []string{"does-not-exist"}); err == nil {
		t.Error("expected unknown id to be rejected")
	}
}

func TestSetPlanReplacesPriorPlanAndClearsMessageLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task, _ := s.CreateTask(ctx, CreateTaskInput{Prompt: "a"}, now)

	_, err := s.SetPlan(ctx, task.ID, []v1.PlanStepInput{{Title: "Draft script"}, {Title: "Explain"}})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	msg, err := s.AddTaskMessageForStep(ctx, v1.TaskMessage{TaskID: task.ID, Role: v1.RoleSystem, Content: "step 1", CreatedAt: now}, 1)
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if msg.PlanStepID == nil || *msg.PlanStepID != 1 {
		t.Fatalf("expected message linked to step 1, got %+v", msg.PlanStepID)
	}

	steps, err := s.SetPlan(ctx, task.ID, []v1.PlanStepInput{{Title: "New step"}})
	if err != nil {
		t.Fatalf("replace plan: %v", err)
	}
	if len(steps) != 1 || steps[0].StepNumber != 1 {
		t.Fatalf("expected single renumbered step, got %+v", steps)
	}

	messages, err := s.ListTaskMessages(ctx, task.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].PlanStepID != nil {
		t.Fatalf("expected plan_step_id cleared after plan replacement, got %+v", messages[0])
	}
}

func TestAttachmentUploadIsContentAddressedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	att := s.WithAttachmentsRoot(t.TempDir())

	bytes := []byte("fake png bytes")
	first, err := att.CreateImageAttachment(ctx, bytes, "image.png", "image/png")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := att.CreateImageAttachment(ctx, bytes, "image-dup.png", "image/png")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected identical bytes to share one attachment id, got %q and %q", first.ID, second.ID)
	}

	task, _ := s.CreateTask(ctx, CreateTaskInput{Prompt: "x"}, time.Now().UTC())
	if err := att.LinkAttachmentsToTask(ctx, task.ID, []string{first.ID}); err != nil {
		t.Fatalf("link: %v", err)
	}
	linked, err := att.ListAttachmentsForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list linked: %v", err)
	}
	if len(linked) != 1 {
		t.Errorf("expected exactly one linked attachment, got %d", len(linked))
	}
}
