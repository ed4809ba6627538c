package planner

import (
	"context"
	"testing"

	"github.com/forgebase/taskcore/internal/agent/adapter"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

type fakeSender struct {
	replies []string
	calls   int
}

func (f *fakeSender) Send(ctx context.Context, in adapter.SendInput, opts adapter.SendOptions) (adapter.SendResult, error) {
	reply := f.replies[f.calls]
	f.calls++
	return adapter.SendResult{Response: reply}, nil
}

func TestGeneratePlanParsesFencedJSON(t *testing.T) {
	sender := &fakeSender{replies: []string{
		"Sure, here is the plan:\n```json\n[{\"title\":\"Draft script\"},{\"title\":\"Explain\",\"description\":\"walk through it\"}]\n```\nLet me know if you need changes.",
	}}
	p := New(sender, 0)
	steps, err := p.GeneratePlan(context.Background(), &v1.Task{Title: "t", Prompt: "write hello world"})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].StepNumber != 1 || steps[0].Title != "Draft script" {
		t.Fatalf("unexpected step 1: %+v", steps[0])
	}
	if steps[1].StepNumber != 2 || steps[1].Description != "walk through it" {
		t.Fatalf("unexpected step 2: %+v", steps[1])
	}
}

func TestGeneratePlanRetriesOnceThenFails(t *testing.T) {
	sender := &fakeSender{replies: []string{"not json at all", "still not json"}}
	p := New(sender, 0)
	_, err := p.GeneratePlan(context.Background(), &v1.Task{Title: "t", Prompt: "p"})
	if err == nil {
		t.Fatal("expected failure after corrective retry")
	}
	if sender.calls != 2 {
		t.Fatalf("expected exactly one corrective retry (2 calls), got %d", sender.calls)
	}
}

func TestGeneratePlanRecoversOnCorrectiveRetry(t *testing.T) {
	sender := &fakeSender{replies: []string{"nonsense", `[{"title":"only step"}]`}}
	p := New(sender, 0)
	steps, err := p.GeneratePlan(context.Background(), &v1.Task{Title: "t", Prompt: "p"})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if len(steps) != 1 || steps[0].Title != "only step" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}
