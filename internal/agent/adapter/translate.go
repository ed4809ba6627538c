package adapter

import v1 "github.com/forgebase/taskcore/pkg/api/v1"

// translate maps the parser-level AgentEvent vocabulary (thread.started,
// turn.started, item.started/updated/completed, turn.completed,
// turn.failed, error — spec §4.3) onto the adapter-facing vocabulary
// subscribers actually see (boot, analysis, responding, command, editing,
// completed, error, plus the lifecycle wrappers — spec §3, §4.6). The two
// vocabularies exist for different audiences: §4.3 is what a vendor parser
// can cheaply derive line-by-line; §3 is what a TaskExecutor wants to
// pattern-match on. ok is false for parser events with no external
// counterpart (e.g. completion of a non-agent_message tool item).
func translate(e v1.AgentEvent) (v1.AgentEvent, bool) {
	switch e.Type {
	case v1.EventThreadStarted, v1.EventTurnStarted, v1.EventTurnCompleted, v1.EventTurnFailed, v1.EventError:
		return e, true
	case v1.EventItemUpdated:
		if e.Item == "agent_message" {
			return v1.AgentEvent{Type: v1.EventResponding, Seq: e.Seq, Delta: e.Text}, true
		}
		return v1.AgentEvent{}, false
	case v1.EventItemStarted:
		switch e.Item {
		case string(v1.ToolKindCommand):
			return v1.AgentEvent{Type: v1.EventCommand, Seq: e.Seq, Title: e.Title, Detail: e.Detail}, true
		case string(v1.ToolKindFileChange):
			return v1.AgentEvent{Type: v1.EventEditing, Seq: e.Seq, Title: e.Title, Item: e.Detail}, true
		default:
			return v1.AgentEvent{Type: v1.EventAnalysis, Seq: e.Seq, Delta: e.Title}, true
		}
	case v1.EventItemCompleted:
		if e.Item == "agent_message" {
			return v1.AgentEvent{Type: v1.EventCompleted, Seq: e.Seq, Text: e.Text}, true
		}
		return v1.AgentEvent{}, false
	default:
		return v1.AgentEvent{}, false
	}
}
