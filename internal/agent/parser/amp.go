package parser

import v1 "github.com/forgebase/taskcore/pkg/api/v1"

// Amp parses the "amp"-style vendor event stream.
type Amp struct{ *core }

// NewAmp constructs an Amp parser.
func NewAmp() *Amp {
	// Vendor-specific addition: amp's terminal tool is named "run" rather
	// than "execute"/"bash"/"shell".
	return &Amp{core: newCore("amp", map[string]v1.ToolKind{
		"run": v1.ToolKindCommand,
	})}
}

func (a *Amp) ParseLine(payload map[string]any) []v1.AgentEvent {
	return a.handle(payload)
}
