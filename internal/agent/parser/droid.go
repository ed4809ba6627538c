package parser

import v1 "github.com/forgebase/taskcore/pkg/api/v1"

// Droid parses the "droid"-style vendor event stream.
type Droid struct{ *core }

// NewDroid constructs a Droid parser.
func NewDroid() *Droid {
	// Vendor-specific addition: droid's patch tool reports itself as
	// "patch_file" rather than "edit"/"create".
	return &Droid{core: newCore("droid", map[string]v1.ToolKind{
		"patch_file": v1.ToolKindFileChange,
	})}
}

func (d *Droid) ParseLine(payload map[string]any) []v1.AgentEvent {
	return d.handle(payload)
}
