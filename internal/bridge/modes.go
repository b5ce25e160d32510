package bridge

import "strings"

// Permission modes forwarded to the agent backend. Plan mode keeps the agent
// read-only; bypass skips manual tool approval entirely.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "accept-edits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypass-permissions"
)

// ParsePermissionMode parses a user-provided permission mode into a canonical
// value.
func ParsePermissionMode(raw string) (string, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "_", "-")
	value = strings.ReplaceAll(value, " ", "-")

	switch value {
	case "default", "normal", "ask":
		return PermissionDefault, true
	case "accept-edits", "acceptedits", "edits":
		return PermissionAcceptEdits, true
	case "plan", "planning", "read-only", "readonly":
		return PermissionPlan, true
	case "bypass-permissions", "bypass", "yolo":
		return PermissionBypass, true
	default:
		return "", false
	}
}

// NormalizePermissionMode returns a valid mode, defaulting to default.
func NormalizePermissionMode(raw string) string {
	mode, ok := ParsePermissionMode(raw)
	if !ok {
		return PermissionDefault
	}
	return mode
}
