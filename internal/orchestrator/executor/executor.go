// Package executor implements TaskExecutor (spec §4.6): runs every step of
// a task's plan sequentially, persisting messages and command traces and
// streaming deltas back to the caller through a Hooks struct.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/forgebase/taskcore/internal/agent/adapter"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/task"
	"github.com/forgebase/taskcore/internal/telemetry"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// StreamingSender is the subset of adapter.Adapter the executor depends on.
type StreamingSender interface {
	Send(ctx context.Context, in adapter.SendInput, opts adapter.SendOptions) (adapter.SendResult, error)
	OnEvent(sub adapter.Subscriber) (unsubscribe func())
}

// Hooks are notified as the executor streams a step (spec §4.6 step 4,
// surfaced to the TaskQueue as message/message:delta/command events).
type Hooks struct {
	OnStepStarted  func(stepNumber int)
	OnMessageDelta func(stepNumber int, delta string)
	OnCommand      func(stepNumber int, cmd string)
	OnStepComplete func(stepNumber int)
}

// Locker lets a caller (WorkspaceContext's AsyncLock) serialize Execute
// against other multi-table mutations (spec §5).
type Locker interface {
	Lock()
	Unlock()
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Executor runs a task's plan to completion.
type Executor struct {
	store     *task.Store
	newSender func(task *v1.Task) StreamingSender
	lock      Locker
	log       *logging.Logger
}

// New constructs an Executor. newSender builds (or reuses) the streaming
// adapter for a task — distinct from the planner's supervisor adapter
// (spec §4.5 step 2).
func New(store *task.Store, newSender func(task *v1.Task) StreamingSender, lock Locker, log *logging.Logger) *Executor {
	if lock == nil {
		lock = noopLocker{}
	}
	return &Executor{store: store, newSender: newSender, lock: lock, log: log}
}

const systemPreamble = `You are executing one queued step of a multi-step task. Focus only on the current step; prior steps have already run. Respond with the work product for this step.`

const requirementsBlock = `Requirements:
- Address only the current step.
- Be concrete; include code or commands where relevant.
- Do not repeat work already captured in the history above.`

// Execute runs every step of plan sequentially against task, returning the
// resultSummary derived from the final step (spec §4.6 step 6).
func (e *Executor) Execute(ctx context.Context, t *v1.Task, plan []v1.PlanStep, hooks Hooks) (string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	sender := e.newSender(t)

	var resultSummary string
	for i := range plan {
		step := &plan[i]
		summary, err := e.runStep(ctx, t, step, sender, hooks)
		if err != nil {
			return "", err
		}
		resultSummary = summary
	}
	return truncate(resultSummary, 1600), nil
}

func (e *Executor) runStep(ctx context.Context, t *v1.Task, step *v1.PlanStep, sender StreamingSender, hooks Hooks) (_ string, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanStepExec,
		attribute.String(telemetry.AttrTaskID, t.ID),
		attribute.Int(telemetry.AttrStepNumber, step.StepNumber),
	)
	defer func() { telemetry.End(span, err) }()

	now := time.Now().UTC()
	if err := e.store.UpdatePlanStepStatus(ctx, t.ID, step.StepNumber, v1.PlanStepRunning, now); err != nil {
		return "", err
	}
	if hooks.OnStepStarted != nil {
		hooks.OnStepStarted(step.StepNumber)
	}

	header := fmt.Sprintf("Step %d: %s", step.StepNumber, step.Title)
	if err := e.ensureConversation(ctx, t, now); err != nil {
		return "", err
	}
	if err := e.writeStepStartMessages(ctx, t, step, header, now); err != nil {
		return "", err
	}

	history, err := e.historySnippet(ctx, t.ThreadID)
	if err != nil {
		return "", err
	}
	prompt := composePrompt(t, step, header, history)

	cumulative := ""
	unsub := sender.OnEvent(func(ev v1.AgentEvent) {
		switch ev.Type {
		case v1.EventResponding:
			delta := diffCumulative(&cumulative, ev.Delta)
			if delta != "" && hooks.OnMessageDelta != nil {
				hooks.OnMessageDelta(step.StepNumber, delta)
			}
		case v1.EventCommand:
			cmd := extractCommand(ev.Detail)
			if cmd == "" {
				return
			}
			if _, err := e.store.AddTaskMessageForStep(ctx, v1.TaskMessage{
				TaskID: t.ID, Role: v1.RoleSystem, MessageType: "command", Content: "$ " + cmd,
			}, step.StepNumber); err != nil {
				e.log.Warn("executor: persist command message failed", zap.Error(err))
			}
			if hooks.OnCommand != nil {
				hooks.OnCommand(step.StepNumber, cmd)
			}
		}
	})
	defer unsub()

	result, err := sender.Send(ctx, adapter.SendInput{Text: prompt}, adapter.SendOptions{Model: t.Model})
	if err != nil {
		return "", err
	}

	if err := e.writeStepEndMessages(ctx, t, step, result.Response, now); err != nil {
		return "", err
	}
	if err := e.store.UpdatePlanStepStatus(ctx, t.ID, step.StepNumber, v1.PlanStepCompleted, time.Now().UTC()); err != nil {
		return "", err
	}
	if hooks.OnStepComplete != nil {
		hooks.OnStepComplete(step.StepNumber)
	}
	return result.Response, nil
}

func (e *Executor) ensureConversation(ctx context.Context, t *v1.Task, now time.Time) error {
	existing, err := e.store.GetConversation(ctx, t.ThreadID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = e.store.UpsertConversation(ctx, v1.Conversation{ID: t.ThreadID, TaskID: &t.ID, Title: t.Title, LastModel: t.Model}, now)
	return err
}

func (e *Executor) writeStepStartMessages(ctx context.Context, t *v1.Task, step *v1.PlanStep, header string, now time.Time) error {
	content := "开始执行：" + header
	if _, err := e.store.AddTaskMessageForStep(ctx, v1.TaskMessage{
		TaskID: t.ID, Role: v1.RoleSystem, MessageType: "step", Content: content, CreatedAt: now,
	}, step.StepNumber); err != nil {
		return err
	}
	_, err := e.store.AddConversationMessage(ctx, v1.ConversationMessage{
		ConversationID: t.ThreadID, Role: v1.RoleSystem, MessageType: "step", Content: content, CreatedAt: now,
	})
	return err
}

func (e *Executor) writeStepEndMessages(ctx context.Context, t *v1.Task, step *v1.PlanStep, result string, now time.Time) error {
	if _, err := e.store.AddTaskMessageForStep(ctx, v1.TaskMessage{
		TaskID: t.ID, Role: v1.RoleAssistant, MessageType: "text", Content: result, ModelUsed: t.Model,
	}, step.StepNumber); err != nil {
		return err
	}
	_, err := e.store.AddConversationMessage(ctx, v1.ConversationMessage{
		ConversationID: t.ThreadID, Role: v1.RoleAssistant, MessageType: "text", Content: result, ModelID: t.Model,
	})
	return err
}

// historySnippet reads up to the last 16 conversation messages, filters to
// {user, assistant}, and renders each as "- role: truncated-content"
// capped at 800 chars per line (spec §4.6 step 2).
func (e *Executor) historySnippet(ctx context.Context, conversationID string) (string, error) {
	all, err := e.store.ListConversationMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if len(all) > 16 {
		all = all[len(all)-16:]
	}
	var lines []string
	for _, m := range all {
		if m.Role != v1.RoleUser && m.Role != v1.RoleAssistant {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Role, truncate(m.Content, 800)))
	}
	return strings.Join(lines, "\n"), nil
}

func composePrompt(t *v1.Task, step *v1.PlanStep, header string, history string) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	if history != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(history)
	}
	b.WriteString("\n\nTask: ")
	b.WriteString(t.Title)
	b.WriteString("\n")
	b.WriteString(t.Prompt)
	b.WriteString("\n\nCurrent step: ")
	b.WriteString(header)
	if step.Description != "" {
		b.WriteString("\n")
		b.WriteString(step.Description)
	}
	b.WriteString("\n\n")
	b.WriteString(requirementsBlock)
	return b.String()
}

// diffCumulative derives the incremental suffix of a cumulative delta
// stream, resetting to the full text when the new cumulative is shorter
// than what was last seen (spec §4.6 step 4).
func diffCumulative(last *string, cumulative string) string {
	if len(cumulative) < len(*last) || !strings.HasPrefix(cumulative, *last) {
		*last = cumulative
		return cumulative
	}
	suffix := cumulative[len(*last):]
	*last = cumulative
	return suffix
}

// extractCommand extracts the command string from a command event's
// detail, the portion before " | " (spec §4.6 step 4).
func extractCommand(detail string) string {
	if idx := strings.Index(detail, " | "); idx >= 0 {
		return strings.TrimSpace(detail[:idx])
	}
	return strings.TrimSpace(detail)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

