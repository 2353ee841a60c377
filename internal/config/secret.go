package config

import (
	"encoding/json"
	"fmt"
)

const redacted = "[REDACTED]"

// Secret is a string that renders as a placeholder wherever it could leak:
// fmt verbs, JSON and YAML marshaling all see the mask. Only Value returns
// the real content. The keystore password, webhook credentials and the
// dashboard password use it so config dumps stay safe.
type Secret string

// Value returns the underlying secret for the call site that needs it.
func (s Secret) Value() string { return string(s) }

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string { return s.mask() }

func (s Secret) GoString() string { return fmt.Sprintf("%q", s.mask()) }

func (s Secret) MarshalYAML() (interface{}, error) { return s.mask(), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.mask()) }
