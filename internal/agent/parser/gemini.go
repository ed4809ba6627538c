package parser

import v1 "github.com/forgebase/taskcore/pkg/api/v1"

// Gemini parses the "gemini"-style vendor event stream.
type Gemini struct{ *core }

// NewGemini constructs a Gemini parser.
func NewGemini() *Gemini {
	// Vendor-specific addition: gemini's grep/search tool reports itself
	// as "grep_search"; it is listed explicitly and classified into the
	// generic tool_call bucket.
	return &Gemini{core: newCore("gemini", map[string]v1.ToolKind{
		"grep_search": v1.ToolKindGeneric,
	})}
}

func (g *Gemini) ParseLine(payload map[string]any) []v1.AgentEvent {
	return g.handle(payload)
}
