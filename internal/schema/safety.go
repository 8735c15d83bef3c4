package schema

// unsafeBlocks is the default blacklist of server-breaking block types. A
// place_block or mine_block touching one of these needs the danger path in
// the policy engine (admin warning or explicit approval).
var unsafeBlocks = map[string]struct{}{
	"tnt":                     {},
	"command_block":           {},
	"repeating_command_block": {},
	"chain_command_block":     {},
	"structure_block":         {},
	"jigsaw":                  {},
	"bedrock":                 {},
	"void_air":                {},
	"end_portal_frame":        {},
	"end_portal":              {},
	"spawner":                 {},
	"end_gateway":             {},
}

// SafeBlockType reports whether a block type is safe to place or break
// without approval. Unknown block names are safe; the blacklist is closed.
func SafeBlockType(name string) bool {
	_, unsafe := unsafeBlocks[name]
	return !unsafe
}

// DangerousBlocks returns a copy of the default blacklist, for callers that
// extend it via configuration.
func DangerousBlocks() []string {
	out := make([]string, 0, len(unsafeBlocks))
	for name := range unsafeBlocks {
		out = append(out, name)
	}
	return out
}
