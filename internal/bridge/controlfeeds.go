package bridge

import "strings"

// Control-feed prefixes. The platform reads and writes a mapping's
// side-policy values through synthetic feeds whose references wrap the
// underlying mapping reference: DFV(x), RPW(x), SMV(x).
const (
	prefixDefaultValue = "DFV("
	prefixRepeatWrite  = "RPW("
	prefixSafeMode     = "SMV("
)

// DefaultValueRef wraps a mapping reference into its default-value
// control-feed reference.
func DefaultValueRef(reference string) string {
	return prefixDefaultValue + reference + ")"
}

// RepeatWriteRef wraps a mapping reference into its repeat-write
// control-feed reference.
func RepeatWriteRef(reference string) string {
	return prefixRepeatWrite + reference + ")"
}

// SafeModeRef wraps a mapping reference into its safe-mode control-feed
// reference.
func SafeModeRef(reference string) string {
	return prefixSafeMode + reference + ")"
}

// unwrap returns the inner reference if the given reference is wrapped
// with the prefix and a closing parenthesis.
func unwrap(reference, prefix string) (string, bool) {
	if strings.HasPrefix(reference, prefix) && strings.HasSuffix(reference, ")") {
		return reference[len(prefix) : len(reference)-1], true
	}
	return "", false
}
