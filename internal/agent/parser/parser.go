// Package parser implements AgentStreamParser (spec §4.3): one parser per
// vendor, all converting a vendor's line-delimited JSON event stream into
// the normalized AgentEvent vocabulary. Parsers are total functions from
// unknown JSON to []v1.AgentEvent — they never throw on malformed field
// types, degrading to empty output or a best-effort generic tool_call.
package parser

import (
	"strings"

	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Parser is the common interface every vendor parser implements.
type Parser interface {
	// ParseLine converts one decoded JSON payload into zero or more
	// AgentEvents, in delivery order.
	ParseLine(payload map[string]any) []v1.AgentEvent
	GetSessionID() string
	GetFinalMessage() string
	GetLastError() string
}

// toolCall is the per-callId bookkeeping row §4.3 describes.
type toolCall struct {
	ToolName   string
	Kind       v1.ToolKind
	Parameters map[string]any
}

// core holds the state common to every vendor parser: current session id,
// accumulated assistant text keyed by message id, the tool-call table, and
// the last error string.
type core struct {
	vendor          string
	sessionID       string
	seq             int64
	assistantOrder  []string
	assistantText   map[string]*strings.Builder
	tools           map[string]*toolCall
	lastError       string
	finalMessage    string
	extraToolNames  map[string]v1.ToolKind // vendor-specific additions
}

func newCore(vendor string, extra map[string]v1.ToolKind) *core {
	return &core{
		vendor:         vendor,
		assistantText:  map[string]*strings.Builder{},
		tools:          map[string]*toolCall{},
		extraToolNames: extra,
	}
}

func (c *core) nextSeq() int64 {
	c.seq++
	return c.seq
}

func (c *core) GetSessionID() string    { return c.sessionID }
func (c *core) GetFinalMessage() string { return c.finalMessage }
func (c *core) GetLastError() string    { return c.lastError }

// classifyTool implements the §4.3 tool-classification rules on a lowercased
// name; handleToolStart passes the call id when the payload has no tool name.
func (c *core) classifyTool(name string) v1.ToolKind {
	lower := strings.ToLower(strings.TrimSpace(name))
	if kind, ok := c.extraToolNames[lower]; ok {
		return kind
	}
	switch lower {
	case "execute", "bash", "shell":
		return v1.ToolKindCommand
	case "applypatch", "edit", "create":
		return v1.ToolKindFileChange
	case "websearch", "web_search":
		return v1.ToolKindWebSearch
	default:
		return v1.ToolKindGeneric
	}
}

var commandFieldCandidates = []string{"command", "cmd", "shell_command", "bash", "args"}
var pathFieldCandidates = []string{"path", "file_path", "filename", "file", "filePath", "target_file", "targetPath"}
var queryFieldCandidates = []string{"query", "q", "text", "prompt"}
var cwdFieldCandidates = []string{"cwd", "directory", "workdir", "cwdPath"}

// firstNonEmptyString picks the first candidate field whose trimmed value
// is non-empty (spec §4.3 field-extraction rule).
func firstNonEmptyString(fields map[string]any, candidates []string) string {
	for _, key := range candidates {
		if raw, ok := fields[key]; ok {
			if s, ok := raw.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
