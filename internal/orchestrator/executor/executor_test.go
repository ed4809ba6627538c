package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/forgebase/taskcore/internal/agent/adapter"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/store"
	"github.com/forgebase/taskcore/internal/task"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

type fakeStreamingSender struct {
	events []v1.AgentEvent
	result adapter.SendResult
	subs   []adapter.Subscriber
}

func (f *fakeStreamingSender) OnEvent(sub adapter.Subscriber) func() {
	f.subs = append(f.subs, sub)
	return func() {}
}

func (f *fakeStreamingSender) Send(ctx context.Context, in adapter.SendInput, opts adapter.SendOptions) (adapter.SendResult, error) {
	for _, ev := range f.events {
		for _, sub := range f.subs {
			sub(ev)
		}
	}
	return f.result, nil
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

func seedTask(t *testing.T, s *task.Store) *v1.Task {
	t.Helper()
	created, err := s.CreateTask(context.Background(), task.CreateTaskInput{
		Title:  "demo task",
		Prompt: "do the thing",
		Model:  "gpt-test",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestExecuteWritesStartAndEndMessagesPerStep(t *testing.T) {
	s := newTestStore(t)
	tsk := seedTask(t, s)
	steps, err := s.SetPlan(context.Background(), tsk.ID, []v1.PlanStepInput{
		{StepNumber: 1, Title: "draft"},
		{StepNumber: 2, Title: "polish"},
	})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}

	sender := &fakeStreamingSender{
		events: []v1.AgentEvent{{Type: v1.EventResponding, Delta: "hello"}},
		result: adapter.SendResult{Response: "final answer"},
	}
	exec := New(s, func(*v1.Task) StreamingSender { return sender }, nil, newTestLogger(t))

	summary, err := exec.Execute(context.Background(), tsk, steps, Hooks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary != "final answer" {
		t.Fatalf("unexpected summary: %q", summary)
	}

	msgs, err := s.ListTaskMessages(context.Background(), tsk.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var startCount, endCount int
	for _, m := range msgs {
		if m.MessageType == "step" && strings.HasPrefix(m.Content, "开始执行：") {
			startCount++
		}
		if m.MessageType == "text" && m.Role == v1.RoleAssistant {
			endCount++
		}
	}
	if startCount != 2 {
		t.Fatalf("expected 2 step-start messages, got %d", startCount)
	}
	if endCount != 2 {
		t.Fatalf("expected 2 step-end messages, got %d", endCount)
	}
}

func TestExecuteForwardsOnlyIncrementalDelta(t *testing.T) {
	s := newTestStore(t)
	tsk := seedTask(t, s)
	steps, err := s.SetPlan(context.Background(), tsk.ID, []v1.PlanStepInput{{StepNumber: 1, Title: "only"}})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}

	sender := &fakeStreamingSender{
		events: []v1.AgentEvent{
			{Type: v1.EventResponding, Delta: "hel"},
			{Type: v1.EventResponding, Delta: "hello"},
			{Type: v1.EventResponding, Delta: "hi"}, // shorter cumulative: reset
		},
		result: adapter.SendResult{Response: "hi"},
	}
	exec := New(s, func(*v1.Task) StreamingSender { return sender }, nil, newTestLogger(t))

	var deltas []string
	hooks := Hooks{OnMessageDelta: func(_ int, delta string) { deltas = append(deltas, delta) }}
	if _, err := exec.Execute(context.Background(), tsk, steps, hooks); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"hel", "lo", "hi"}
	if len(deltas) != len(want) {
		t.Fatalf("expected deltas %v, got %v", want, deltas)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("expected deltas %v, got %v", want, deltas)
		}
	}
}

func TestExecuteExtractsCommandFromDetail(t *testing.T) {
	s := newTestStore(t)
	tsk := seedTask(t, s)
	steps, err := s.SetPlan(context.Background(), tsk.ID, []v1.PlanStepInput{{StepNumber: 1, Title: "only"}})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}

	sender := &fakeStreamingSender{
		events: []v1.AgentEvent{{Type: v1.EventCommand, Title: "执行命令", Detail: "go test ./... | /workspace"}},
		result: adapter.SendResult{Response: "done"},
	}
	exec := New(s, func(*v1.Task) StreamingSender { return sender }, nil, newTestLogger(t))

	var commands []string
	hooks := Hooks{OnCommand: func(_ int, cmd string) { commands = append(commands, cmd) }}
	if _, err := exec.Execute(context.Background(), tsk, steps, hooks); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(commands) != 1 || commands[0] != "go test ./..." {
		t.Fatalf("unexpected commands: %v", commands)
	}

	msgs, err := s.ListTaskMessages(context.Background(), tsk.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.MessageType == "command" && m.Content == "$ go test ./..." {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a persisted command message")
	}
}

func TestExecuteTruncatesFinalSummaryTo1600Chars(t *testing.T) {
	s := newTestStore(t)
	tsk := seedTask(t, s)
	steps, err := s.SetPlan(context.Background(), tsk.ID, []v1.PlanStepInput{{StepNumber: 1, Title: "only"}})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}

	long := strings.Repeat("x", 2000)
	sender := &fakeStreamingSender{result: adapter.SendResult{Response: long}}
	exec := New(s, func(*v1.Task) StreamingSender { return sender }, nil, newTestLogger(t))

	summary, err := exec.Execute(context.Background(), tsk, steps, Hooks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(summary) != 1600 {
		t.Fatalf("expected truncated summary of 1600 chars, got %d", len(summary))
	}
}

func TestHistorySnippetCapsAt16MessagesAnd800Chars(t *testing.T) {
	s := newTestStore(t)
	tsk := seedTask(t, s)
	steps, err := s.SetPlan(context.Background(), tsk.ID, []v1.PlanStepInput{{StepNumber: 1, Title: "only"}})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	if _, err := s.UpsertConversation(context.Background(), v1.Conversation{ID: tsk.ThreadID, TaskID: &tsk.ID, Title: tsk.Title}, time.Now().UTC()); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
	for i := 0; i < 20; i++ {
		role := v1.RoleUser
		if i%2 == 1 {
			role = v1.RoleAssistant
		}
		content := strings.Repeat("y", 900)
		if _, err := s.AddConversationMessage(context.Background(), v1.ConversationMessage{
			ConversationID: tsk.ThreadID, Role: role, MessageType: "text", Content: content,
		}); err != nil {
			t.Fatalf("add conversation message: %v", err)
		}
	}

	sender := &fakeStreamingSender{result: adapter.SendResult{Response: "ok"}}
	exec := New(s, func(*v1.Task) StreamingSender { return sender }, nil, newTestLogger(t))
	snippet, err := exec.historySnippet(context.Background(), tsk.ThreadID)
	if err != nil {
		t.Fatalf("history snippet: %v", err)
	}
	lines := strings.Split(snippet, "\n")
	if len(lines) != 16 {
		t.Fatalf("expected 16 history lines, got %d", len(lines))
	}
	for _, l := range lines {
		content := strings.TrimPrefix(l, "- user: ")
		content = strings.TrimPrefix(content, "- assistant: ")
		if len(content) > 800 {
			t.Fatalf("expected line content capped at 800 chars, got %d", len(content))
		}
	}

	if _, err := exec.Execute(context.Background(), tsk, steps, Hooks{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
}
