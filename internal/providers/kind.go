package providers

import "fmt"

// Kind is the client protocol family a provider speaks.
type Kind string

const (
	KindCodex  Kind = "codex"
	KindClaude Kind = "claude"
)

// Kinds lists every kind in flattening order.
var Kinds = []Kind{KindCodex, KindClaude}

// Path returns the endpoint path for the kind. The inbound path and the
// upstream path are the same.
func (k Kind) Path() string {
	switch k {
	case KindCodex:
		return "/responses"
	case KindClaude:
		return "/v1/messages"
	default:
		return ""
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCodex, KindClaude:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}
