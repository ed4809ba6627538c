// Package planner implements TaskPlanner (spec §4.5): turns a task's
// prompt into an ordered plan by invoking an agent adapter in
// non-streaming mode and parsing its structured JSON reply.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgebase/taskcore/internal/agent/adapter"
	"github.com/forgebase/taskcore/internal/apperr"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Sender is the subset of adapter.Adapter the planner depends on; it lets
// tests substitute a fake without spawning real subprocesses.
type Sender interface {
	Send(ctx context.Context, in adapter.SendInput, opts adapter.SendOptions) (adapter.SendResult, error)
}

// Planner generates a Task's plan via a supervisor adapter.
type Planner struct {
	adapter Sender
	// TimeoutMS bounds the whole generatePlan call, default 60000 (spec §4.5, §6.5).
	TimeoutMS int
}

// New constructs a Planner bound to the given adapter (spec §4.5 step 2:
// "an adapter chosen by model class... may differ from the executor's").
func New(a Sender, timeoutMS int) *Planner {
	if timeoutMS <= 0 {
		timeoutMS = 60000
	}
	return &Planner{adapter: a, TimeoutMS: timeoutMS}
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")
var bareArrayPattern = regexp.MustCompile(`(?s)(\[.*\])`)

// extractJSON pulls a JSON array out of a reply that may wrap it in a
// fenced code block or surround it with prose (spec §4.5 step 3).
func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if m := fencedJSONPattern.FindStringSubmatch(reply); m != nil {
		return m[1]
	}
	if m := bareArrayPattern.FindStringSubmatch(reply); m != nil {
		return m[1]
	}
	return reply
}

type rawStep struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func decodeSteps(reply string) ([]v1.PlanStepInput, error) {
	candidate := extractJSON(reply)
	var raw []rawStep
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("planner: empty step list")
	}
	steps := make([]v1.PlanStepInput, 0, len(raw))
	for i, r := range raw {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			return nil, fmt.Errorf("planner: step %d has an empty title", i+1)
		}
		steps = append(steps, v1.PlanStepInput{
			StepNumber:  i + 1,
			Title:       title,
			Description: strings.TrimSpace(r.Description),
		})
	}
	return steps, nil
}

const plannerSystemPreamble = `You are the planning stage of an autonomous coding agent. Given a task, return a JSON array of steps, each an object with "title" and optional "description". Return ONLY the JSON array, no prose.`

func buildPrompt(task *v1.Task) string {
	var b strings.Builder
	b.WriteString(plannerSystemPreamble)
	b.WriteString("\n\nTask title: ")
	b.WriteString(task.Title)
	b.WriteString("\nTask prompt:\n")
	b.WriteString(task.Prompt)
	return b.String()
}

const correctivePrompt = "previous output invalid; return ONLY JSON"

// GeneratePlan invokes the adapter in non-streaming mode and returns an
// ordered, non-empty plan (spec §4.5 steps 1-5). A first malformed reply
// triggers one corrective retry; a second failure is fatal for the task.
func (p *Planner) GeneratePlan(ctx context.Context, task *v1.Task) ([]v1.PlanStepInput, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.TimeoutMS)*time.Millisecond)
	defer cancel()

	prompt := buildPrompt(task)
	result, err := p.adapter.Send(ctx, adapter.SendInput{Text: prompt}, adapter.SendOptions{ReadOnlySandbox: true})
	if err != nil {
		if apperr.IsCancellation(err) {
			return nil, err
		}
		return nil, apperr.AdapterFailure("planner: adapter send failed", err)
	}

	steps, decodeErr := decodeSteps(result.Response)
	if decodeErr == nil {
		return steps, nil
	}

	result, err = p.adapter.Send(ctx, adapter.SendInput{Parts: []string{prompt, result.Response, correctivePrompt}}, adapter.SendOptions{ReadOnlySandbox: true})
	if err != nil {
		if apperr.IsCancellation(err) {
			return nil, err
		}
		return nil, apperr.AdapterFailure("planner: corrective adapter send failed", err)
	}
	steps, decodeErr = decodeSteps(result.Response)
	if decodeErr != nil {
		return nil, apperr.AdapterFailure(fmt.Sprintf("planner: invalid plan after corrective retry: %v", decodeErr), decodeErr)
	}
	return steps, nil
}
