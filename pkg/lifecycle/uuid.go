package lifecycle

import (
	"regexp"
	"strings"
)

// uuidPattern matches a canonical 8-4-4-4-12 hex UUID, per spec.md §3.
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// UUIDFromPath extracts the first canonical UUID substring found
// anywhere in path, per spec.md §4.3: "update-taskspace"'s identifier
// and the tool-protocol endpoint's working-directory derivation are
// both defined this way, against a path like
// ".../taskspaces/taskspace-<uuid>/clone" or "taskspaces/<uuid>/clone".
// Returns ok=false if no UUID substring is present; the caller error
// spec.md §4.3 names is the caller's to report, not this function's.
func UUIDFromPath(path string) (string, bool) {
	match := uuidPattern.FindString(path)
	if match == "" {
		return "", false
	}
	return strings.ToLower(match), true
}
