package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for git branch names and
// filesystem paths. Branch names cannot contain spaces, colons, or
// backslashes.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}

// SanitizeBranchName sanitizes identifiers for git branch naming. Alias
// for SanitizeIdentifier for clarity at call sites.
func SanitizeBranchName(name string) string {
	return SanitizeIdentifier(name)
}
