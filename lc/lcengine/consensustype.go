package lcengine

import "fmt"

// Type selects how a round declares agreement:
// the built-in avalanche rule, or the external arbiter.
//
// The type is process-wide and consulted at round construction;
// it never changes mid-round.
type Type uint8

const (
	_ Type = iota // Zero value reserved.

	TypeBuiltin
	TypeExternalArbiter
)

func (t Type) String() string {
	switch t {
	case TypeBuiltin:
		return "builtin"
	case TypeExternalArbiter:
		return "external_arbiter"
	default:
		return "unknown"
	}
}

// ParseType parses a configuration value into a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "builtin", "avalanche":
		return TypeBuiltin, nil
	case "external_arbiter", "zookeeper":
		return TypeExternalArbiter, nil
	default:
		return 0, fmt.Errorf("unknown consensus type %q", s)
	}
}
