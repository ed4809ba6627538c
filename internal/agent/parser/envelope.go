package parser

import (
	"strings"

	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// eventTypeCandidates and roleCandidates tolerate the small per-vendor
// naming drift observed across droid/gemini/amp-style streams without
// needing three near-duplicate dispatch tables.
var eventTypeCandidates = []string{"type", "event", "kind"}
var roleCandidates = []string{"role"}
var textCandidates = []string{"text", "delta", "content"}
var messageIDCandidates = []string{"message_id", "id", "messageId"}
var callIDCandidates = []string{"call_id", "id", "callId", "tool_call_id"}
var toolNameCandidates = []string{"tool_name", "name", "tool", "toolName"}
var errorCandidates = []string{"message", "error", "detail"}

func firstString(fields map[string]any, candidates []string) string {
	return firstNonEmptyString(fields, candidates)
}

// handle implements the §4.3 per-line dispatch shared by every vendor
// parser: the envelope's event type decides which AgentEvents, if any, to
// emit. Anything unrecognized silently skips (Design Note: parsers are
// total functions from unknown JSON to []AgentEvent).
func (c *core) handle(payload map[string]any) []v1.AgentEvent {
	eventType := firstString(payload, eventTypeCandidates)
	switch eventType {
	case "system", "init", "system.init":
		return c.handleInit(payload)
	case "message", "assistant":
		return c.handleAssistantMessage(payload)
	case "tool_use", "tool_call":
		return c.handleToolStart(payload)
	case "tool_result":
		return c.handleToolResult(payload)
	case "completion", "turn_complete", "done":
		return c.handleCompletion(payload)
	case "error":
		return c.handleError(payload)
	default:
		return nil
	}
}

func (c *core) handleInit(payload map[string]any) []v1.AgentEvent {
	threadID := firstString(payload, []string{"thread_id", "threadId", "session_id", "sessionId"})
	if threadID != "" {
		c.sessionID = threadID
	}
	return []v1.AgentEvent{
		{Type: v1.EventThreadStarted, Seq: c.nextSeq(), ThreadID: c.sessionID},
		{Type: v1.EventTurnStarted, Seq: c.nextSeq()},
	}
}

func (c *core) handleAssistantMessage(payload map[string]any) []v1.AgentEvent {
	role := firstString(payload, roleCandidates)
	if role != "" && role != "assistant" {
		return nil
	}
	text := firstString(payload, textCandidates)
	if text == "" {
		return nil
	}
	msgID := firstString(payload, messageIDCandidates)
	if msgID == "" {
		msgID = "default"
	}
	builder, ok := c.assistantText[msgID]
	if !ok {
		builder = &strings.Builder{}
		c.assistantText[msgID] = builder
		c.assistantOrder = append(c.assistantOrder, msgID)
	}
	builder.Reset()
	builder.WriteString(text)

	full := c.joinAssistantText()
	c.finalMessage = full
	return []v1.AgentEvent{
		{Type: v1.EventItemUpdated, Seq: c.nextSeq(), Item: "agent_message", Text: full, Delta: text},
	}
}

func (c *core) joinAssistantText() string {
	parts := make([]string, 0, len(c.assistantOrder))
	for _, id := range c.assistantOrder {
		parts = append(parts, c.assistantText[id].String())
	}
	return strings.Join(parts, "\n\n")
}

func (c *core) handleToolStart(payload map[string]any) []v1.AgentEvent {
	callID := firstString(payload, callIDCandidates)
	toolName := firstString(payload, toolNameCandidates)
	classifyBy := toolName
	if classifyBy == "" {
		classifyBy = callID
	}
	kind := c.classifyTool(classifyBy)

	fields := payload
	if inner := asMap(payload["input"]); inner != nil {
		fields = inner
	} else if inner := asMap(payload["parameters"]); inner != nil {
		fields = inner
	}

	c.tools[callID] = &toolCall{ToolName: toolName, Kind: kind, Parameters: fields}

	title, detail := c.describeTool(kind, toolName, fields)
	return []v1.AgentEvent{
		{Type: v1.EventItemStarted, Seq: c.nextSeq(), Item: string(kind), Title: title, Detail: detail},
	}
}

func (c *core) describeTool(kind v1.ToolKind, toolName string, fields map[string]any) (title, detail string) {
	switch kind {
	case v1.ToolKindCommand:
		cmd := firstString(fields, commandFieldCandidates)
		cwd := firstString(fields, cwdFieldCandidates)
		return "执行命令", cmd + " | " + cwd
	case v1.ToolKindFileChange:
		return "编辑文件", firstString(fields, pathFieldCandidates)
	case v1.ToolKindWebSearch:
		return "web_search", firstString(fields, queryFieldCandidates)
	default:
		return toolName, ""
	}
}

func (c *core) handleToolResult(payload map[string]any) []v1.AgentEvent {
	callID := firstString(payload, callIDCandidates)
	isError := asBool(payload["is_error"]) || asBool(payload["isError"])
	tc, ok := c.tools[callID]
	kind := v1.ToolKindGeneric
	title := ""
	if ok {
		kind = tc.Kind
		title, _ = c.describeTool(kind, tc.ToolName, tc.Parameters)
	}
	if isError {
		c.lastError = firstString(payload, errorCandidates)
	}
	return []v1.AgentEvent{
		{Type: v1.EventItemCompleted, Seq: c.nextSeq(), Item: string(kind), Title: title},
	}
}

func (c *core) handleCompletion(payload map[string]any) []v1.AgentEvent {
	text := firstString(payload, textCandidates)
	if text == "" {
		text = c.joinAssistantText()
	}
	c.finalMessage = text

	var usage *v1.Usage
	if u := asMap(payload["usage"]); u != nil {
		usage = &v1.Usage{}
		if v, ok := u["input_tokens"].(float64); ok {
			usage.InputTokens = int(v)
		}
		if v, ok := u["output_tokens"].(float64); ok {
			usage.OutputTokens = int(v)
		}
	}

	return []v1.AgentEvent{
		{Type: v1.EventItemCompleted, Seq: c.nextSeq(), Item: "agent_message", Text: text},
		{Type: v1.EventTurnCompleted, Seq: c.nextSeq(), Usage: usage},
	}
}

func (c *core) handleError(payload map[string]any) []v1.AgentEvent {
	msg := firstString(payload, errorCandidates)
	c.lastError = msg
	return []v1.AgentEvent{
		{Type: v1.EventError, Seq: c.nextSeq(), Message: msg},
	}
}
