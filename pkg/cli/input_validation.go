// Package cli guards values that end up as arguments to external binaries.
package cli

import (
	"fmt"
	"regexp"
)

// Marketplace identifiers are decimal numbers or 0x-prefixed hashes; task
// ids may carry dashes. Anything else never reaches an exec call.
var identifierPattern = regexp.MustCompile(`^(0x)?[a-zA-Z0-9-]+$`)

// ValidateIdentifier rejects values unsafe to pass to a subprocess.
func ValidateIdentifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("%s %q contains characters not allowed in marketplace identifiers", name, value)
	}
	return nil
}
