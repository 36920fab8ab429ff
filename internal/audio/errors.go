package audio

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrResourceGone is returned when the OS object behind a resource has
	// disappeared. Callers abandon the operation and re-run reconciliation.
	ErrResourceGone = errors.New("audio resource gone")

	// ErrPrivilegeRequired is returned when the OS denies access to a session.
	ErrPrivilegeRequired = errors.New("insufficient privileges for audio session")
)

func isGone(err error) bool { return errors.Is(err, ErrResourceGone) }

var parenthesized = regexp.MustCompile(`\s*\([^()]*\)`)

// ParseDeviceName strips parenthesized qualifiers from an OS device name,
// e.g. "Speakers (Realtek(R) Audio)" -> "Speakers".
func ParseDeviceName(name string) string {
	out := name
	// Nested parentheses need more than one pass.
	for {
		next := parenthesized.ReplaceAllString(out, "")
		if next == out {
			break
		}
		out = next
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return strings.TrimSpace(name)
	}
	return out
}
