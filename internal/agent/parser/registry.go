package parser

var (
	_ Parser = (*Droid)(nil)
	_ Parser = (*Gemini)(nil)
	_ Parser = (*Amp)(nil)
)

// New constructs the parser for a named vendor. Vendor names match the
// binary-path config keys in internal/platform/config (agent.binPaths).
func New(vendor string) Parser {
	switch vendor {
	case "gemini":
		return NewGemini()
	case "amp":
		return NewAmp()
	default:
		return NewDroid()
	}
}
