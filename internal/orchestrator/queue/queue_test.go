package queue

import (
	"context"
	"testing"
	"time"

	"github.com/forgebase/taskcore/internal/agent/adapter"
	"github.com/forgebase/taskcore/internal/orchestrator/executor"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/store"
	"github.com/forgebase/taskcore/internal/task"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

type fakePlanner struct {
	steps []v1.PlanStepInput
	err   error
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, t *v1.Task) ([]v1.PlanStepInput, error) {
	return f.steps, f.err
}

type fakeExecutor struct {
	result string
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, t *v1.Task, plan []v1.PlanStep, hooks executor.Hooks) (string, error) {
	return f.result, f.err
}

// stubSender is a minimal executor.StreamingSender that fires a
// responding event synchronously from Send, so tests can exercise the
// real executor without spawning a vendor subprocess.
type stubSender struct {
	subs []adapter.Subscriber
}

func (s *stubSender) OnEvent(sub adapter.Subscriber) (unsubscribe func()) {
	s.subs = append(s.subs, sub)
	return func() {}
}

func (s *stubSender) Send(ctx context.Context, in adapter.SendInput, opts adapter.SendOptions) (adapter.SendResult, error) {
	for _, sub := range s.subs {
		sub(v1.AgentEvent{Type: v1.EventResponding, Delta: "done"})
	}
	return adapter.SendResult{Response: "done"}, nil
}

type recordingPublisher struct {
	events []v1.QueueEvent
}

func (p *recordingPublisher) Publish(ev v1.QueueEvent) {
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []v1.QueueEventType {
	out := make([]v1.QueueEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func newTestStore(t *testing.T) *task.Store {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return task.New(st, nil)
}

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

func seedPendingTask(t *testing.T, s *task.Store) *v1.Task {
	t.Helper()
	created, err := s.CreateTask(context.Background(), task.CreateTaskInput{
		Title: "demo", Prompt: "do the thing",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func seedPendingTaskWithMaxRetries(t *testing.T, s *task.Store, maxRetries int) *v1.Task {
	t.Helper()
	created, err := s.CreateTask(context.Background(), task.CreateTaskInput{
		Title: "demo", Prompt: "do the thing", MaxRetries: &maxRetries,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func runLoopBriefly(t *testing.T, q *TaskQueue) {
	t.Helper()
	runLoopFor(t, q, 200*time.Millisecond)
}

func runLoopFor(t *testing.T, q *TaskQueue, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()
	<-done
}

func TestRunTaskEmitsHappyPathEventSequence(t *testing.T) {
	s := newTestStore(t)
	seedPendingTask(t, s)

	planner := &fakePlanner{steps: []v1.PlanStepInput{{StepNumber: 1, Title: "only"}}}
	exec := &fakeExecutor{result: "done"}
	pub := &recordingPublisher{}
	q := New(s, planner, exec, pub, newTestLogger(t), 50, 50)

	runLoopBriefly(t, q)

	got := pub.types()
	want := []v1.QueueEventType{
		v1.QueueEventTaskStarted, v1.QueueEventTaskPlanned, v1.QueueEventTaskRunning, v1.QueueEventTaskCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestRunTaskEmitsStepLifecycleEventsWithRealExecutor(t *testing.T) {
	s := newTestStore(t)
	seedPendingTask(t, s)

	planner := &fakePlanner{steps: []v1.PlanStepInput{{StepNumber: 1, Title: "only"}}}
	sender := &stubSender{}
	exec := executor.New(s, func(*v1.Task) executor.StreamingSender { return sender }, nil, newTestLogger(t))
	pub := &recordingPublisher{}
	q := New(s, planner, exec, pub, newTestLogger(t), 50, 50)

	runLoopBriefly(t, q)

	got := pub.types()
	want := []v1.QueueEventType{
		v1.QueueEventTaskStarted, v1.QueueEventTaskPlanned, v1.QueueEventTaskRunning,
		v1.QueueEventStepStarted, v1.QueueEventMessageDelta, v1.QueueEventStepCompleted,
		v1.QueueEventTaskCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestRunTaskRetriesOnFailureWithRetriesRemaining(t *testing.T) {
	s := newTestStore(t)
	created := seedPendingTask(t, s)

	planner := &fakePlanner{err: errNotCancel("planner exploded")}
	pub := &recordingPublisher{}
	// A long wake timer and retry backoff keep the loop from reclaiming the
	// re-queued task again within this test's short window, so exactly one
	// failure-and-retry cycle is observed.
	q := New(s, planner, &fakeExecutor{}, pub, newTestLogger(t), 5000, 5000)

	runLoopFor(t, q, 100*time.Millisecond)

	reloaded, err := s.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.Status != v1.TaskStatusPending {
		t.Fatalf("expected status pending after retriable failure, got %s", reloaded.Status)
	}
	if reloaded.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", reloaded.RetryCount)
	}
	found := false
	for _, ev := range pub.events {
		if ev.Type == v1.QueueEventTaskFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a task:failed event")
	}
}

func TestRunTaskFailsPermanentlyWhenRetriesExhausted(t *testing.T) {
	s := newTestStore(t)
	created := seedPendingTaskWithMaxRetries(t, s, 0)

	planner := &fakePlanner{err: errNotCancel("planner exploded")}
	pub := &recordingPublisher{}
	q := New(s, planner, &fakeExecutor{}, pub, newTestLogger(t), 50, 10)

	runLoopBriefly(t, q)

	reloaded, err := s.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.Status != v1.TaskStatusFailed {
		t.Fatalf("expected status failed, got %s", reloaded.Status)
	}

	contexts, err := s.ListTaskContexts(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("list contexts: %v", err)
	}
	found := false
	for _, c := range contexts {
		if c.ContextType == failedContext {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a failure TaskContext row")
	}
}

func TestPauseStopsClaimingUntilResume(t *testing.T) {
	s := newTestStore(t)
	seedPendingTask(t, s)

	planner := &fakePlanner{steps: []v1.PlanStepInput{{StepNumber: 1, Title: "only"}}}
	exec := &fakeExecutor{result: "done"}
	pub := &recordingPublisher{}
	q := New(s, planner, exec, pub, newTestLogger(t), 20, 10)
	q.Pause("maintenance")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()
	<-done

	if len(pub.events) != 1 || pub.events[0].Type != v1.QueueEventQueuePaused {
		t.Fatalf("expected only a queue:paused event while paused, got %v", pub.types())
	}

	q.Resume()
	runLoopFor(t, q, 150*time.Millisecond)

	started := false
	for _, ev := range pub.events {
		if ev.Type == v1.QueueEventTaskStarted {
			started = true
		}
	}
	if !started {
		t.Fatalf("expected the task to be claimed after resume, got %v", pub.types())
	}
}

type errNotCancel string

func (e errNotCancel) Error() string { return string(e) }
