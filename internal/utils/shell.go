package utils

import "strings"

// ShellEscape single-quotes value for bash.
func ShellEscape(value string) string {
	if value == "" {
		return "''"
	}
	escaped := strings.ReplaceAll(value, "'", "'\"'\"'")
	return "'" + escaped + "'"
}

// ShellJoin escapes and joins args into one command-line fragment.
func ShellJoin(args ...string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, ShellEscape(arg))
	}
	return strings.Join(parts, " ")
}
